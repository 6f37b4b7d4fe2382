package models

import (
	"fmt"
	"strings"
)

// CounterKind is the unit a coverage counter measures.
type CounterKind string

const (
	CounterInstruction CounterKind = "INSTRUCTION"
	CounterBranch      CounterKind = "BRANCH"
	CounterLine        CounterKind = "LINE"
	CounterComplexity  CounterKind = "COMPLEXITY"
	CounterMethod      CounterKind = "METHOD"
	CounterClass       CounterKind = "CLASS"
)

// CounterKinds lists every known kind in JaCoCo report order.
var CounterKinds = []CounterKind{
	CounterInstruction, CounterBranch, CounterLine, CounterComplexity, CounterMethod, CounterClass,
}

// ParseCounterKind accepts any case and surrounding whitespace.
func ParseCounterKind(s string) (CounterKind, error) {
	k := CounterKind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range CounterKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown counter kind %q", s)
}

// Element is the granularity a rule computes its ratio at.
type Element string

const (
	ElementClass   Element = "CLASS"
	ElementPackage Element = "PACKAGE"
	ElementBundle  Element = "BUNDLE"
)

// ParseElement accepts CLASS, PACKAGE, BUNDLE and PROJECT (alias of BUNDLE).
func ParseElement(s string) (Element, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLASS":
		return ElementClass, nil
	case "PACKAGE":
		return ElementPackage, nil
	case "BUNDLE", "PROJECT":
		return ElementBundle, nil
	}
	return "", fmt.Errorf("unknown element %q", s)
}

// Counter holds covered and total instrumentable units for one kind.
type Counter struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Missed returns the number of units not covered.
func (c Counter) Missed() int {
	return c.Total - c.Covered
}

// Ratio returns covered/total. ok is false when total is zero.
func (c Counter) Ratio() (ratio float64, ok bool) {
	if c.Total == 0 {
		return 0, false
	}
	return float64(c.Covered) / float64(c.Total), true
}

// Add returns the element-wise sum of two counters.
func (c Counter) Add(o Counter) Counter {
	return Counter{Covered: c.Covered + o.Covered, Total: c.Total + o.Total}
}

// ClassCoverage is the set of counters measured for one compiled class.
type ClassCoverage struct {
	Name     string                  `json:"name"`
	Counters map[CounterKind]Counter `json:"counters"`
}

// Package returns the dot-separated package of the class, or "" for the default package.
func (c ClassCoverage) Package() string {
	if i := strings.LastIndex(c.Name, "."); i >= 0 {
		return c.Name[:i]
	}
	return ""
}

// Rule is one coverage limit: a counter kind checked at an element against a minimum ratio.
// Excludes and Includes are name patterns scoped to this rule only.
type Rule struct {
	Name     string      `json:"name" yaml:"name"`
	Counter  CounterKind `json:"counter" yaml:"counter"`
	Element  Element     `json:"element" yaml:"element"`
	Minimum  float64     `json:"minimum" yaml:"minimum"`
	Includes []string    `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes []string    `json:"excludes,omitempty" yaml:"excludes,omitempty"`
}

// DisplayName falls back to "<counter>/<element>" for unnamed rules.
func (r Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Counter) + "/" + string(r.Element)
}

// Violation records an entity whose ratio fell below a rule's minimum.
type Violation struct {
	RuleIndex int         `json:"ruleIndex"`
	RuleName  string      `json:"rule"`
	Counter   CounterKind `json:"counter"`
	Element   Element     `json:"element"`
	Entity    string      `json:"entity"`
	Covered   int         `json:"covered"`
	Total     int         `json:"total"`
	Ratio     float64     `json:"ratio"`
	Minimum   float64     `json:"minimum"`
}

func (v Violation) String() string {
	return fmt.Sprintf("Rule %s violated for %s %s: %s covered ratio is %.2f, but expected minimum is %.2f",
		v.RuleName, strings.ToLower(string(v.Element)), v.Entity, counterNoun(v.Counter), v.Ratio, v.Minimum)
}

func counterNoun(k CounterKind) string {
	switch k {
	case CounterBranch:
		return "branches"
	case CounterClass:
		return "classes"
	case CounterComplexity:
		return "complexity"
	default:
		return strings.ToLower(string(k)) + "s"
	}
}

// Result is the outcome of one verification run.
type Result struct {
	Rules      int         `json:"rules"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
}

// Passed reports whether no violations were collected.
func (r Result) Passed() bool {
	return len(r.Violations) == 0
}
