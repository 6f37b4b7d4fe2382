package validation

import (
	"errors"
	"math"
	"testing"
)

func TestValidateMinimum_InRange(t *testing.T) {
	for _, m := range []float64{0, 0.5, 0.70, 1} {
		if err := ValidateMinimum(m); err != nil {
			t.Errorf("ValidateMinimum(%v) error = %v, want nil", m, err)
		}
	}
}

func TestValidateMinimum_OutOfRange(t *testing.T) {
	tests := []struct {
		name string
		in   float64
	}{
		{"negative", -0.01},
		{"above one", 1.0001},
		{"percent by mistake", 70},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMinimum(tc.in)
			if !errors.Is(err, ErrMinimumOutOfRange) {
				t.Errorf("ValidateMinimum(%v) error = %v, want ErrMinimumOutOfRange", tc.in, err)
			}
		})
	}
}

func TestValidatePattern_EmptyAndWhitespace(t *testing.T) {
	for _, in := range []string{"", "   ", "\t"} {
		_, err := ValidatePattern(in)
		if !errors.Is(err, ErrPatternEmpty) {
			t.Errorf("ValidatePattern(%q) error = %v, want ErrPatternEmpty", in, err)
		}
	}
}

func TestValidatePattern_InvalidChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"slash", "tech/ixirsii/Main"},
		{"space inside", "tech.ixirsii Main"},
		{"regex syntax", "tech.ixirsii.(Main|App)"},
		{"bracket", "tech.[a-z]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidatePattern(tc.input)
			if !errors.Is(err, ErrPatternInvalidChars) {
				t.Errorf("ValidatePattern(%q) error = %v, want ErrPatternInvalidChars", tc.input, err)
			}
		})
	}
}

func TestValidatePattern_ValidReturnsTrimmed(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"tech.ixirsii.rocket.container.RocketContainerApplication", "tech.ixirsii.rocket.container.RocketContainerApplication"},
		{"  *.Main  ", "*.Main"},
		{"tech.*.Outer$Inner?", "tech.*.Outer$Inner?"},
		{"*", "*"},
	}
	for _, tc := range tests {
		got, err := ValidatePattern(tc.input)
		if err != nil {
			t.Errorf("ValidatePattern(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ValidatePattern(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestValidateClassName(t *testing.T) {
	if _, err := ValidateClassName(" "); !errors.Is(err, ErrClassNameEmpty) {
		t.Errorf("ValidateClassName(blank) error = %v, want ErrClassNameEmpty", err)
	}
	if _, err := ValidateClassName("a.*"); !errors.Is(err, ErrClassNameInvalidChars) {
		t.Errorf("ValidateClassName(wildcard) error = %v, want ErrClassNameInvalidChars", err)
	}
	got, err := ValidateClassName(" tech.ixirsii.Outer$1 ")
	if err != nil {
		t.Fatalf("ValidateClassName() error = %v", err)
	}
	if got != "tech.ixirsii.Outer$1" {
		t.Errorf("ValidateClassName() = %q, want trimmed name", got)
	}
}
