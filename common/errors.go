package common

import (
	"errors"
	"fmt"
)

// ConfigError is an invalid or unusable configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// CredentialsError reports an enabled destination or source without the
// secrets it needs. Missing lists secret names, never values.
type CredentialsError struct {
	Target  string
	Missing []string
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("missing credentials for %s: %v", e.Target, e.Missing)
}

// StoreCorruptError is returned when history storage exists but cannot be
// interpreted. Line is 0 when the engine has no notion of lines.
type StoreCorruptError struct {
	Path string
	Line int
	Err  error
}

func (e *StoreCorruptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("history store %s is corrupt at line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("history store %s is corrupt: %v", e.Path, e.Err)
}

func (e *StoreCorruptError) Unwrap() error {
	return e.Err
}

// UnsupportedSortError is returned when the source cannot honour a sort mode.
type UnsupportedSortError struct {
	Sort   string
	Source string
}

func (e *UnsupportedSortError) Error() string {
	return fmt.Sprintf("sort mode %q is not supported by %s", e.Sort, e.Source)
}

// IsFatal reports whether err belongs to the configuration/integrity class.
// Those errors abort the process; everything else is transient and retried
// on the next pass.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		cfgErr     *ConfigError
		credErr    *CredentialsError
		corruptErr *StoreCorruptError
		sortErr    *UnsupportedSortError
	)
	return errors.As(err, &cfgErr) ||
		errors.As(err, &credErr) ||
		errors.As(err, &corruptErr) ||
		errors.As(err, &sortErr)
}
