package secrets

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingName is returned when a secret or group has no name.
	ErrMissingName = errors.New("missing name")
	// ErrMissingValue is returned when a secret has no value field.
	ErrMissingValue = errors.New("missing value")
	// ErrEmptyValue is returned when a secret value is the empty string.
	ErrEmptyValue = errors.New("empty secret value")
	// ErrDuplicateName is returned when a name is used more than once.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrDuplicateMember is returned when a group lists the same member twice.
	ErrDuplicateMember = errors.New("duplicate group member")
	// ErrEmptyGroup is returned when a group has no members.
	ErrEmptyGroup = errors.New("group has no secrets")
	// ErrNoSecrets is returned when neither secrets nor groups are configured.
	ErrNoSecrets = errors.New("at least one secret or group is required")
	// ErrUnknownHash is returned for an unsupported hash algorithm.
	ErrUnknownHash = errors.New("unknown hash algorithm")
	// ErrInvalidWorkFactor is returned for a hash cost, memory or thread
	// setting outside the supported range.
	ErrInvalidWorkFactor = errors.New("invalid hash work factor")
	// ErrNotPublished is returned when a check runs before any registry was published.
	ErrNotPublished = errors.New("registry not published")
)

// ConfigError describes one invalid entry in the configuration.
type ConfigError struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Field is the config path of the offending entry, e.g. "groups[1].secrets[0]".
	Field string
	// Name is the offending secret or group name, if any.
	Name string
}

func (e *ConfigError) Error() string {
	msg := "secret_service config"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Name != "" {
		msg += fmt.Sprintf(" (%q)", e.Name)
	}
	if e.Kind == nil {
		return msg + ": invalid"
	}
	return msg + ": " + e.Kind.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// IsConfigError reports whether err (or any error it joins) is a ConfigError.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}

// hashError names the algorithm that failed.
type hashError struct {
	algorithm string
	err       error
}

func (e *hashError) Error() string {
	if e.err == nil {
		return "hash:" + e.algorithm + " - no error provided"
	}
	return "hash:" + e.algorithm + " - " + e.err.Error()
}

func (e *hashError) Unwrap() error {
	return e.err
}
