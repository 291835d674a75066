package config

// Secret is a string type that redacts itself when printed, logged, or
// serialized. Used for broker API keys, the execution confirm token, and the
// admin API key.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString ensures secrets are redacted under %#v formatting too.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML, matching
// the optional defaults-overlay round trip.
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}

// GormValue ensures secrets are redacted when logging SQL queries (if Gorm is used)
func (s Secret) GormValue(ctx interface{}, db interface{}) interface{} {
	return "[REDACTED]"
}
