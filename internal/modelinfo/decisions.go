package modelinfo

import "github.com/schaermu/modelsyncd/internal/schema"

// Value looks up key and subKeys in the model's metadata.
func (m *ModelInfo) Value(key string, subKeys ...string) schema.Value {
	return m.metadata.Get(key, subKeys...)
}

// SettingsValue looks up key and subKeys under the metadata settings section.
func (m *ModelInfo) SettingsValue(key string, subKeys ...string) schema.Value {
	return m.metadata.Get(schema.SettingsSectionKey, append([]string{key}, subKeys...)...)
}

func (m *ModelInfo) IsBinary() bool       { return schema.IsBinary(m.metadata) }
func (m *ModelInfo) IsRegression() bool   { return schema.IsRegression(m.metadata) }
func (m *ModelInfo) IsUnstructured() bool { return schema.IsUnstructured(m.metadata) }
func (m *ModelInfo) IsMultiClass() bool   { return schema.IsMulticlass(m.metadata) }

// IsAffectedByCommit reports whether anything has to be pushed for this model.
func (m *ModelInfo) IsAffectedByCommit() bool {
	return m.ShouldCreateNewVersion() || m.Flags.ShouldUpdateSettings
}

// ShouldCreateNewVersion reports whether a new version must be created. A
// declared memory or replicas override always forces one, whether or not its
// value differs from the latest version.
func (m *ModelInfo) ShouldCreateNewVersion() bool {
	return m.Flags.ShouldUploadAllFiles ||
		len(m.FileChanges.ChangedOrNew) > 0 ||
		len(m.FileChanges.DeletedIDs) > 0 ||
		!m.Value(schema.VersionKey, schema.MemoryKey).IsNull() ||
		!m.Value(schema.VersionKey, schema.ReplicasKey).IsNull()
}

// TestMode reports how the metadata configures testing.
func (m *ModelInfo) TestMode() TestMode {
	if !m.metadata.Has(schema.TestKey) {
		return TestNotConfigured
	}
	if m.Value(schema.TestKey, schema.TestSkipKey).Truthy() {
		return TestSkipped
	}
	return TestEnabled
}

// ShouldRunTest reports whether the model has to be tested.
func (m *ModelInfo) ShouldRunTest() bool {
	return m.TestMode() == TestEnabled
}
