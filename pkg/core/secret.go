package core

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"
)

// Secret represents sensitive values that should be redacted in UI/API output
// and logs.
type Secret struct {
	Value string
}

// NewSecret wraps a raw value as a Secret.
func NewSecret(value string) Secret {
	return Secret{Value: value}
}

// Redacted returns a redacted representation for display.
func (s Secret) Redacted() string {
	if s.Value == "" {
		return ""
	}
	return "REDACTED"
}

// MarshalJSON ensures secrets are never serialized in cleartext.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Redacted())
}

// MarshalYAML keeps secrets out of re-encoded config sections.
func (s Secret) MarshalYAML() (any, error) {
	return s.Redacted(), nil
}

// UnmarshalYAML reads a plain scalar into the secret.
func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: secret value must be a scalar", node.Line)
	}
	s.Value = node.Value
	return nil
}

// String returns the redacted value for fmt printing.
func (s Secret) String() string {
	return s.Redacted()
}

// GoString covers %#v.
func (s Secret) GoString() string {
	return s.Redacted()
}

// LogValue keeps the cleartext out of slog records.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.Redacted())
}
