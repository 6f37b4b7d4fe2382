package verifier

import (
	"errors"
	"fmt"
)

var (
	ErrNoCoverageData    = errors.New("no coverage data")
	ErrUnknownCounter    = errors.New("unknown counter kind")
	ErrUnknownElement    = errors.New("unknown element")
	ErrUnmeasuredCounter = errors.New("counter kind not measured")
	ErrMissingCounter    = errors.New("class is missing counter")
	ErrDuplicateClass    = errors.New("duplicate class in coverage data")
	ErrInvalidCounter    = errors.New("counter out of range")
)

// ConfigurationError aborts a verification run before any result is produced.
// Rule is the display name of the offending rule, empty for input-level problems.
type ConfigurationError struct {
	Rule string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in rule %s: %v", e.Rule, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(rule string, err error) error {
	return &ConfigurationError{Rule: rule, Err: err}
}
