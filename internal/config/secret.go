package config

const redacted = "(sensitive)"

// Secret is a string that never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return s.String()
}

// Value returns the plain text. Only call it where the secret is handed to AWS.
func (s Secret) Value() string {
	return string(s)
}

// Redact returns the marker used in place of sensitive values.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	return redacted
}
