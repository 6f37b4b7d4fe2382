package verifier

import (
	"regexp"
	"strings"

	"github.com/kjstillabower/coverage-verifier/internal/validation"
)

// matcher matches fully-qualified class names against wildcard patterns.
// '*' matches any run of characters (dots included), '?' exactly one.
type matcher struct {
	patterns []*regexp.Regexp
}

func compilePatterns(in []string) (*matcher, error) {
	m := &matcher{patterns: make([]*regexp.Regexp, 0, len(in))}
	for _, p := range in {
		s, err := validation.ValidatePattern(p)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(globToRegexp(s))
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, c := range pattern {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func (m *matcher) empty() bool {
	return m == nil || len(m.patterns) == 0
}

func (m *matcher) match(name string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
