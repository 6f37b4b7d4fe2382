package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrMinimumOutOfRange is returned when a rule minimum is outside [0, 1] or not a number.
var ErrMinimumOutOfRange = errors.New("minimum must be within [0, 1]")

// ErrPatternEmpty is returned when an include or exclude pattern is empty after trim.
var ErrPatternEmpty = errors.New("pattern is empty")

// ErrPatternInvalidChars is returned when a pattern contains characters no class name can hold.
var ErrPatternInvalidChars = errors.New("pattern contains invalid characters")

// ErrClassNameEmpty is returned when a coverage entry has no class name.
var ErrClassNameEmpty = errors.New("class name is required")

// ErrClassNameInvalidChars is returned when a class name contains disallowed characters.
var ErrClassNameInvalidChars = errors.New("class name contains invalid characters")

// ValidateMinimum rejects NaN and values outside [0, 1].
// Written as a negated range check so NaN fails too.
func ValidateMinimum(minimum float64) error {
	if !(minimum >= 0 && minimum <= 1) {
		return fmt.Errorf("%w: got %v", ErrMinimumOutOfRange, minimum)
	}
	return nil
}

// ValidatePattern trims the input and restricts it to class-name characters plus the
// wildcards '*' and '?'. Returns the trimmed pattern.
func ValidatePattern(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrPatternEmpty
	}
	for _, c := range s {
		if c == '*' || c == '?' {
			continue
		}
		if !isAllowedNameRune(c) {
			return "", fmt.Errorf("%w: %q", ErrPatternInvalidChars, s)
		}
	}
	return s, nil
}

// ValidateClassName trims the input and restricts it to letters, digits, '_', '$' and '.'.
func ValidateClassName(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrClassNameEmpty
	}
	for _, c := range s {
		if !isAllowedNameRune(c) {
			return "", fmt.Errorf("%w: %q", ErrClassNameInvalidChars, s)
		}
	}
	return s, nil
}

// isAllowedNameRune returns true for Unicode letters and digits, '_', '$' and '.'.
func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '_', '$', '.':
		return true
	}
	return false
}
