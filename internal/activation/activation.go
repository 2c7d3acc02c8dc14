package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is a file descriptor passed in by systemd.
type Socket struct {
	Name string // FileDescriptorName= of the socket unit, empty if unnamed
	FD   int
}

// Listener is a systemd-activated listener with its socket name.
type Listener struct {
	net.Listener
	Name string
}

// Sockets parses the socket activation environment (LISTEN_PID, LISTEN_FDS
// and LISTEN_FDNAMES). It returns nil if no socket activation is detected or
// if the activation is not for this process.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}

	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}

	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
		if len(names) != numFDs {
			return nil, fmt.Errorf("LISTEN_FDNAMES has %d names for %d fds", len(names), numFDs)
		}
	}

	sockets := make([]Socket, numFDs)
	for i := range sockets {
		sockets[i].FD = firstFD + i
		if names != nil {
			sockets[i].Name = names[i]
		}
	}
	return sockets, nil
}

// Listeners returns the systemd-activated listeners. It returns nil if no
// socket activation is detected.
func Listeners() ([]Listener, error) {
	sockets, err := Sockets()
	if err != nil || sockets == nil {
		return nil, err
	}

	listeners, err := listenersFrom(sockets)
	if err != nil {
		return nil, err
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

func listenersFrom(sockets []Socket) ([]Listener, error) {
	listeners := make([]Listener, 0, len(sockets))
	for _, s := range sockets {
		file := os.NewFile(uintptr(s.FD), "systemd-socket-"+strconv.Itoa(s.FD))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", s.FD)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own dup of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", s.FD, err)
		}

		listeners = append(listeners, Listener{Listener: listener, Name: s.Name})
	}
	return listeners, nil
}

// Select picks the listener called name, falling back to the first unnamed
// one. Listeners that are not selected are closed.
func Select(listeners []Listener, name string) (net.Listener, bool) {
	chosen := -1
	for i, l := range listeners {
		if l.Name == name {
			chosen = i
			break
		}
		if chosen < 0 && l.Name == "" {
			chosen = i
		}
	}

	for i, l := range listeners {
		if i != chosen {
			_ = l.Close()
		}
	}
	if chosen < 0 {
		return nil, false
	}
	return listeners[chosen].Listener, true
}

func closeAll(listeners []Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
