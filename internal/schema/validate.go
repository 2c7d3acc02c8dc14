package schema

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MaxReplicas is the highest replica count a version may request.
const MaxReplicas = 8

// Validate checks a metadata document against the model schema. Unknown keys
// are allowed; they are passed through to the registry untouched. Sections
// that are present but null are treated as empty.
func Validate(m Metadata) error {
	if m == nil {
		return ErrNotMapping
	}
	err := validation.Validate(map[string]any(m),
		validation.Map(
			validation.Key(ModelIDKey, validation.Required, validation.By(isString)),
			validation.Key(TargetTypeKey, validation.Required,
				validation.In(TargetTypeBinary, TargetTypeRegression, TargetTypeMulticlass, TargetTypeUnstructured)),
			validation.Key(SettingsSectionKey, validation.When(m[SettingsSectionKey] != nil,
				validation.By(isMapping),
				validation.Map(
					validation.Key(NameKey, validation.By(isString)).Optional(),
					validation.Key(DescriptionKey, validation.By(isString)).Optional(),
					validation.Key(TargetNameKey, validation.By(isString)).Optional(),
					validation.Key(LanguageKey, validation.By(isString)).Optional(),
				).AllowExtraKeys(),
			)).Optional(),
			validation.Key(VersionKey, validation.When(m[VersionKey] != nil,
				validation.By(isMapping),
				validation.Map(
					validation.Key(ModelEnvironmentIDKey, validation.By(isString)).Optional(),
					validation.Key(IncludeGlobKey, validation.By(isStringList)).Optional(),
					validation.Key(ExcludeGlobKey, validation.By(isStringList)).Optional(),
					validation.Key(MemoryKey, validation.By(isInt), validation.Min(1)).Optional(),
					validation.Key(ReplicasKey, validation.By(isInt), validation.Min(1), validation.Max(MaxReplicas)).Optional(),
				).AllowExtraKeys(),
			)).Optional(),
			validation.Key(TestKey, validation.When(m[TestKey] != nil,
				validation.By(isMapping),
				validation.Map(
					validation.Key(TestSkipKey, validation.By(isBool)).Optional(),
				).AllowExtraKeys(),
			)).Optional(),
		).AllowExtraKeys(),
	)
	if err != nil {
		id := m.ModelID()
		if id == "" {
			return fmt.Errorf("invalid model metadata: %w", err)
		}
		return fmt.Errorf("invalid metadata for model %q: %w", id, err)
	}
	return nil
}

func isString(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := v.(string); !ok {
		return errors.New("must be a string")
	}
	return nil
}

func isBool(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := v.(bool); !ok {
		return errors.New("must be a boolean")
	}
	return nil
}

func isInt(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := present(v).Int(); !ok {
		return errors.New("must be an integer")
	}
	return nil
}

func isMapping(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := present(v).Map(); !ok {
		return errors.New("must be a mapping")
	}
	return nil
}

func isStringList(v any) error {
	if v == nil {
		return nil
	}
	if _, ok := present(v).Strings(); !ok {
		return errors.New("must be a string or a list of strings")
	}
	return nil
}
