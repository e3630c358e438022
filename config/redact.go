package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with all string fields tagged
// `redact:"true"` replaced by RedactedValue. The original cfg is not mutated.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	redactFields(reflect.ValueOf(&cp).Elem())
	return &cp, nil
}

// redactFields walks a struct value and sets every non-empty string field,
// and every value of a string map, tagged `redact:"true"` to RedactedValue.
func redactFields(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			if t.Field(i).Tag.Get("redact") == "true" && f.String() != "" {
				f.SetString(RedactedValue)
			}
		case reflect.Map:
			if t.Field(i).Tag.Get("redact") == "true" && f.Type().Elem().Kind() == reflect.String {
				for _, k := range f.MapKeys() {
					f.SetMapIndex(k, reflect.ValueOf(RedactedValue))
				}
			}
		case reflect.Struct:
			redactFields(f)
		}
	}
}
