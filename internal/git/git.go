package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides the git operations the reconciler needs
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// HeadCommit returns the commit checked out in repoDir
	HeadCommit(ctx context.Context, repoDir string) (string, error)
	// MergeBase returns the best common ancestor of two commits
	MergeBase(ctx context.Context, repoDir, a, b string) (string, error)
	// ChangedFiles lists the files changed between two commits
	ChangedFiles(ctx context.Context, repoDir, from, to string) (*Diff, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		// Full clone: the reconciler diffs against older commits
		cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--tags", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Direct checkout covers local branches, tags and hashes; remote
	// branches are tried second.
	if _, err := git(ctx, destDir, "checkout", "-f", ref); err != nil {
		if _, err := git(ctx, destDir, "checkout", "-f", "origin/"+ref); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// A local branch may be stale after fetch. No-op for fresh clones,
	// ignored for tags and hashes.
	if exists {
		_, _ = git(ctx, destDir, "reset", "--hard", "origin/"+ref)
	}

	return c.HeadCommit(ctx, destDir)
}

// HeadCommit returns the commit hash of HEAD
func (c *ShellClient) HeadCommit(ctx context.Context, repoDir string) (string, error) {
	out, err := git(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the merge base of a and b
func (c *ShellClient) MergeBase(ctx context.Context, repoDir, a, b string) (string, error) {
	out, err := git(ctx, repoDir, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("git merge-base %s %s failed: %w", a, b, err)
	}
	return strings.TrimSpace(out), nil
}

// WorkingTree passed as the to argument of ChangedFiles compares against the
// files on disk, untracked files included.
const WorkingTree = ""

// ChangedFiles lists files changed between from and to. Renames are reported
// as a deletion plus an addition. An empty from lists every file tracked at
// to as changed.
func (c *ShellClient) ChangedFiles(ctx context.Context, repoDir, from, to string) (*Diff, error) {
	if to == WorkingTree {
		return c.workingTreeChanges(ctx, repoDir, from)
	}

	if from == "" {
		out, err := git(ctx, repoDir, "ls-tree", "-r", "-z", "--name-only", "--full-tree", to)
		if err != nil {
			return nil, fmt.Errorf("git ls-tree failed: %w", err)
		}
		return parseFileList(repoDir, out), nil
	}

	out, err := git(ctx, repoDir, "diff", "--name-status", "--no-renames", "-z", from, to)
	if err != nil {
		return nil, fmt.Errorf("git diff %s..%s failed: %w", from, to, err)
	}
	return parseNameStatus(repoDir, out)
}

func (c *ShellClient) workingTreeChanges(ctx context.Context, repoDir, from string) (*Diff, error) {
	if from == "" {
		out, err := git(ctx, repoDir, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
		if err != nil {
			return nil, fmt.Errorf("git ls-files failed: %w", err)
		}
		return parseFileList(repoDir, out), nil
	}

	out, err := git(ctx, repoDir, "diff", "--name-status", "--no-renames", "-z", from)
	if err != nil {
		return nil, fmt.Errorf("git diff %s failed: %w", from, err)
	}
	diff, err := parseNameStatus(repoDir, out)
	if err != nil {
		return nil, err
	}

	untracked, err := git(ctx, repoDir, "ls-files", "-z", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("git ls-files failed: %w", err)
	}
	diff.Changed = append(diff.Changed, parseFileList(repoDir, untracked).Changed...)
	return diff, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The key path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token reaches git through the environment and a credential
		// helper, never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "MODELSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$MODELSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// git runs a git subcommand in dir and returns its stdout
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
