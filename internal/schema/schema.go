// Package schema describes model metadata documents: how they are parsed,
// validated and queried.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level metadata keys.
const (
	ModelIDKey         = "user_provided_model_id"
	TargetTypeKey      = "target_type"
	SettingsSectionKey = "settings"
	VersionKey         = "version"
	TestKey            = "test"
)

// Keys of the settings section.
const (
	NameKey        = "name"
	DescriptionKey = "description"
	TargetNameKey  = "target_name"
	LanguageKey    = "language"
)

// Keys of the version section.
const (
	ModelEnvironmentIDKey = "model_environment_id"
	IncludeGlobKey        = "include_glob_pattern"
	ExcludeGlobKey        = "exclude_glob_pattern"
	MemoryKey             = "memory"
	ReplicasKey           = "replicas"
)

// Keys of the test section.
const (
	TestSkipKey = "skip"
)

// Target types.
const (
	TargetTypeBinary       = "Binary"
	TargetTypeRegression   = "Regression"
	TargetTypeMulticlass   = "Multiclass"
	TargetTypeUnstructured = "Unstructured"
)

// ErrNotMapping is returned when a metadata document is not a mapping at the
// top level.
var ErrNotMapping = errors.New("metadata document is not a mapping")

// Metadata is a parsed model metadata document.
type Metadata map[string]any

// Parse decodes a YAML metadata document.
func Parse(data []byte) (Metadata, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if doc == nil {
		return Metadata{}, nil
	}
	m, ok := present(doc).Map()
	if !ok {
		return nil, ErrNotMapping
	}
	return m, nil
}

// LoadFile reads and parses the metadata document at path.
func LoadFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Get looks up key and then each of subKeys in turn.
func (m Metadata) Get(key string, subKeys ...string) Value {
	v := lookup(m, key)
	for _, k := range subKeys {
		v = v.Get(k)
	}
	return v
}

// Has reports whether the top-level key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// ModelID returns the user provided model id.
func (m Metadata) ModelID() string {
	id, _ := m.Get(ModelIDKey).String()
	return id
}

// TargetType returns the declared target type.
func (m Metadata) TargetType() string {
	t, _ := m.Get(TargetTypeKey).String()
	return t
}

// IsModelDefinition reports whether the document declares a model.
func IsModelDefinition(m Metadata) bool {
	return m.Has(ModelIDKey)
}

func IsBinary(m Metadata) bool       { return m.TargetType() == TargetTypeBinary }
func IsRegression(m Metadata) bool   { return m.TargetType() == TargetTypeRegression }
func IsMulticlass(m Metadata) bool   { return m.TargetType() == TargetTypeMulticlass }
func IsUnstructured(m Metadata) bool { return m.TargetType() == TargetTypeUnstructured }

// Digest returns a stable hash of the given top-level sections. Missing
// sections hash as null, so adding or removing one changes the digest.
func Digest(m Metadata, sections ...string) (string, error) {
	var buf bytes.Buffer
	for _, s := range sections {
		// encoding/json sorts map keys, which keeps the digest stable
		data, err := json.Marshal(normalize(m[s]))
		if err != nil {
			return "", fmt.Errorf("failed to encode section %s: %w", s, err)
		}
		buf.WriteString(s)
		buf.WriteByte('=')
		buf.Write(data)
		buf.WriteByte('\n')
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// normalize converts map[any]any nodes so they can be JSON encoded.
func normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case Metadata:
		return normalize(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
