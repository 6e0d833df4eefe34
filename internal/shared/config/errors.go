package config

import "fmt"

// ConfigError reports an invalid tuning or configuration value.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid config %s=%v: %s", e.Field, e.Value, e.Reason)
}
