package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// Values is the raw key/value settings bag of one site. Keys are case-insensitive because
// viper lowercases map keys read from YAML.
type Values map[string]string

func NewValues(raw map[string]string) Values {
	v := make(Values, len(raw))
	for key, value := range raw {
		v[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return v
}

func (v Values) Get(key string) string {
	return v[strings.ToLower(key)]
}

// String returns the value for key, or def when it is unset or empty.
func (v Values) String(key, def string) string {
	if value := v.Get(key); value != "" {
		return value
	}
	return def
}

// Bool accepts the forms strconv.ParseBool does plus "on" and "yes".
func (v Values) Bool(key string) bool {
	value := strings.ToLower(v.Get(key))
	switch value {
	case "on", "yes":
		return true
	}
	b, err := strconv.ParseBool(value)
	return err == nil && b
}

// Index parses a custom dimension index. Zero means not configured.
func (v Values) Index(key string) (int, error) {
	value := v.Get(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, value)
	}
	return n, nil
}
