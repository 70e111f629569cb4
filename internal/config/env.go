package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env looks up environment variables. The zero value reads the process environment.
type Env func(key string) string

func (e Env) lookup(key string) string {
	if e == nil {
		return os.Getenv(key)
	}
	return e(key)
}

// Required returns the trimmed value of key, or "" when it is unset or blank.
func (e Env) Required(key string) string {
	return strings.TrimSpace(e.lookup(key))
}

// GetEnv returns the environment variable value or a default.
func (e Env) GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(e.lookup(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable or a default.
// A set value that does not parse is an error.
func (e Env) GetIntEnv(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: not an integer", key, value)
	}
	return intVal, nil
}

// GetBoolEnv returns a boolean environment variable or a default.
// A set value that does not parse is an error.
func (e Env) GetBoolEnv(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return defaultValue, nil
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: not a boolean", key, value)
	}
	return boolVal, nil
}

// GetDurationEnv returns a duration environment variable or a default.
// A set value that does not parse is an error.
func (e Env) GetDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(e.lookup(key))
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: not a duration", key, value)
	}
	return duration, nil
}
