// Package verifier checks per-class coverage counters against coverage rules.
//
// Verify is pure: it never mutates its inputs, keeps no state between calls and
// returns violations in rule declaration order, then entity name order.
package verifier

import (
	"fmt"
	"sort"

	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/validation"
)

// defaultPackageName labels classes without a package in PACKAGE-element results.
const defaultPackageName = "(default)"

// bundleEntity is the entity name reported by BUNDLE-element rules.
const bundleEntity = "BUNDLE"

type compiledRule struct {
	index    int
	name     string
	rule     models.Rule
	includes *matcher
	excludes *matcher
}

// Verify evaluates every rule against classes and collects all violations.
// Any *ConfigurationError aborts the run; no partial result is returned with it.
func Verify(classes []models.ClassCoverage, rules []models.Rule) (models.Result, error) {
	compiled, err := CompileRules(rules)
	if err != nil {
		return models.Result{}, err
	}
	return compiled.Verify(classes)
}

// RuleSet is a validated, ready-to-evaluate list of rules.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules validates rules and compiles their patterns. Counter and element names are
// normalized; an empty element means BUNDLE as in JaCoCo.
func CompileRules(rules []models.Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		name := r.DisplayName()
		kind, err := models.ParseCounterKind(string(r.Counter))
		if err != nil {
			return nil, configErr(name, fmt.Errorf("%w: %q", ErrUnknownCounter, r.Counter))
		}
		element := models.ElementBundle
		if r.Element != "" {
			element, err = models.ParseElement(string(r.Element))
			if err != nil {
				return nil, configErr(name, fmt.Errorf("%w: %q", ErrUnknownElement, r.Element))
			}
		}
		if err := validation.ValidateMinimum(r.Minimum); err != nil {
			return nil, configErr(name, err)
		}
		includes, err := compilePatterns(r.Includes)
		if err != nil {
			return nil, configErr(name, fmt.Errorf("include pattern: %w", err))
		}
		excludes, err := compilePatterns(r.Excludes)
		if err != nil {
			return nil, configErr(name, fmt.Errorf("exclude pattern: %w", err))
		}

		normalized := r
		normalized.Counter = kind
		normalized.Element = element
		normalized.Name = normalized.DisplayName()
		rs.rules = append(rs.rules, compiledRule{
			index:    i,
			name:     normalized.Name,
			rule:     normalized,
			includes: includes,
			excludes: excludes,
		})
	}
	return rs, nil
}

// Rules returns the normalized rules in declaration order.
func (rs *RuleSet) Rules() []models.Rule {
	out := make([]models.Rule, len(rs.rules))
	for i, cr := range rs.rules {
		out[i] = cr.rule
	}
	return out
}

// Verify evaluates the rule set against classes.
func (rs *RuleSet) Verify(classes []models.ClassCoverage) (models.Result, error) {
	if len(classes) == 0 {
		return models.Result{}, configErr("", ErrNoCoverageData)
	}
	sorted, measured, err := indexClasses(classes)
	if err != nil {
		return models.Result{}, err
	}

	result := models.Result{Rules: len(rs.rules), Violations: []models.Violation{}}
	for _, cr := range rs.rules {
		if !measured[cr.rule.Counter] {
			return models.Result{}, configErr(cr.name, fmt.Errorf("%w: %s", ErrUnmeasuredCounter, cr.rule.Counter))
		}
		scope, err := cr.scope(sorted)
		if err != nil {
			return models.Result{}, err
		}
		violations, checked := cr.evaluate(scope)
		result.Checked += checked
		result.Violations = append(result.Violations, violations...)
	}
	return result, nil
}

// indexClasses returns a name-sorted copy of classes and the set of measured counter kinds.
func indexClasses(classes []models.ClassCoverage) ([]models.ClassCoverage, map[models.CounterKind]bool, error) {
	sorted := make([]models.ClassCoverage, len(classes))
	copy(sorted, classes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	measured := make(map[models.CounterKind]bool)
	for i, c := range sorted {
		if i > 0 && sorted[i-1].Name == c.Name {
			return nil, nil, configErr("", fmt.Errorf("%w: %s", ErrDuplicateClass, c.Name))
		}
		for kind, counter := range c.Counters {
			if counter.Covered < 0 || counter.Total < 0 || counter.Covered > counter.Total {
				return nil, nil, configErr("", fmt.Errorf("%w: %s %s counter %d/%d",
					ErrInvalidCounter, c.Name, kind, counter.Covered, counter.Total))
			}
			measured[kind] = true
		}
	}
	return sorted, measured, nil
}

type scopedClass struct {
	name    string
	pkg     string
	counter models.Counter
}

// scope drops classes outside the rule's includes or inside its excludes and picks the
// rule's counter from the rest. A remaining class without that counter is an error.
func (cr compiledRule) scope(classes []models.ClassCoverage) ([]scopedClass, error) {
	out := make([]scopedClass, 0, len(classes))
	for _, c := range classes {
		if !cr.includes.empty() && !cr.includes.match(c.Name) {
			continue
		}
		if cr.excludes.match(c.Name) {
			continue
		}
		counter, ok := c.Counters[cr.rule.Counter]
		if !ok {
			return nil, configErr(cr.name, fmt.Errorf("%w: %s has no %s counter", ErrMissingCounter, c.Name, cr.rule.Counter))
		}
		out = append(out, scopedClass{name: c.Name, pkg: c.Package(), counter: counter})
	}
	return out, nil
}

// evaluate returns the violations for in-scope classes and how many entities were checked.
func (cr compiledRule) evaluate(scope []scopedClass) ([]models.Violation, int) {
	switch cr.rule.Element {
	case models.ElementClass:
		var out []models.Violation
		for _, c := range scope {
			if v, failed := cr.check(c.name, c.counter); failed {
				out = append(out, v)
			}
		}
		return out, len(scope)

	case models.ElementPackage:
		sums := make(map[string]models.Counter)
		for _, c := range scope {
			pkg := c.pkg
			if pkg == "" {
				pkg = defaultPackageName
			}
			sums[pkg] = sums[pkg].Add(c.counter)
		}
		pkgs := make([]string, 0, len(sums))
		for p := range sums {
			pkgs = append(pkgs, p)
		}
		sort.Strings(pkgs)
		var out []models.Violation
		for _, p := range pkgs {
			if v, failed := cr.check(p, sums[p]); failed {
				out = append(out, v)
			}
		}
		return out, len(pkgs)

	default:
		var sum models.Counter
		for _, c := range scope {
			sum = sum.Add(c.counter)
		}
		if v, failed := cr.check(bundleEntity, sum); failed {
			return []models.Violation{v}, 1
		}
		return nil, 1
	}
}

// check compares one entity's ratio to the minimum. Zero-total counters pass.
func (cr compiledRule) check(entity string, c models.Counter) (models.Violation, bool) {
	ratio, ok := c.Ratio()
	if !ok || ratio >= cr.rule.Minimum {
		return models.Violation{}, false
	}
	return models.Violation{
		RuleIndex: cr.index,
		RuleName:  cr.name,
		Counter:   cr.rule.Counter,
		Element:   cr.rule.Element,
		Entity:    entity,
		Covered:   c.Covered,
		Total:     c.Total,
		Ratio:     ratio,
		Minimum:   cr.rule.Minimum,
	}, true
}
