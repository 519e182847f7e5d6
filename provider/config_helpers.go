package provider

import (
	"fmt"
	"math"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
)

// Helpers for reading provider inputs. Inputs arrive as map[string]any
// from JSON decoding, so values need coercion to their expected types.

// GetString returns the string value for an input key, or defaultValue if not found
func GetString(inputs map[string]any, key string, defaultValue string) string {
	if raw, ok := inputs[key]; ok {
		if s, err := parseutil.ParseString(raw); err == nil {
			return s
		}
	}
	return defaultValue
}

// GetStringRequired returns the string value for an input key, or an error if not found
func GetStringRequired(inputs map[string]any, key string) (string, error) {
	raw, ok := inputs[key]
	if !ok {
		return "", NewValidationError(key, "required")
	}
	s, err := parseutil.ParseString(raw)
	if err != nil || s == "" {
		return "", NewValidationError(key, "must be a non-empty string")
	}
	return s, nil
}

// GetInt returns the integer value for an input key, or defaultValue if not found or invalid
func GetInt(inputs map[string]any, key string, defaultValue int) int {
	if raw, ok := inputs[key]; ok {
		if i, err := coerceInt(raw); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetIntRequired returns the integer value for an input key, or an error if not found or invalid
func GetIntRequired(inputs map[string]any, key string) (int, error) {
	raw, ok := inputs[key]
	if !ok {
		return 0, NewValidationError(key, "required")
	}
	i, err := coerceInt(raw)
	if err != nil {
		return 0, NewValidationError(key, "must be an integer")
	}
	return i, nil
}

// coerceInt converts a raw input to int. JSON decoding hands numbers
// over as float64, so whole-valued floats are accepted alongside the
// integer kinds parseutil knows.
func coerceInt(raw any) (int, error) {
	if f, ok := raw.(float64); ok {
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("not a whole number: %v", f)
		}
		return int(f), nil
	}
	i, err := parseutil.ParseInt(raw)
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

// GetBool returns the boolean value for an input key, or defaultValue if not found or invalid
func GetBool(inputs map[string]any, key string, defaultValue bool) bool {
	if raw, ok := inputs[key]; ok {
		if b, err := parseutil.ParseBool(raw); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns the duration value for an input key, or defaultValue if not found or invalid
// Accepts duration strings like "30s", "5m", "1h", or bare second counts.
func GetDuration(inputs map[string]any, key string, defaultValue time.Duration) time.Duration {
	if raw, ok := inputs[key]; ok {
		if d, err := parseutil.ParseDurationSecond(raw); err == nil {
			return d
		}
	}
	return defaultValue
}

// DecodeInputs decodes raw inputs into a provider specific struct via
// mapstructure. Unknown keys are rejected so typos surface at
// configuration time rather than at credential creation.
func DecodeInputs(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("building input decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return NewValidationError("", err.Error())
	}
	return nil
}
