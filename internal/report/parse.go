// Package report reads coverage reports into per-class counters and renders
// verification results for people and machines.
package report

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kjstillabower/coverage-verifier/internal/models"
	"github.com/kjstillabower/coverage-verifier/internal/validation"
)

// Format names a coverage report encoding.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatJaCoCo Format = "xml"
	FormatJSON   Format = "json"
)

var (
	ErrInvalidReport     = errors.New("invalid coverage report")
	ErrUnsupportedFormat = errors.New("unsupported report format")
)

// ParseFormat maps user input to a Format. Empty means auto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "xml", "jacoco":
		return FormatJaCoCo, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// DetectFormat sniffs the first significant byte: '<' is JaCoCo XML, '{' is JSON.
func DetectFormat(data []byte) (Format, error) {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrInvalidReport)
	}
	switch trimmed[0] {
	case '<':
		return FormatJaCoCo, nil
	case '{':
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: cannot detect format", ErrUnsupportedFormat)
}

// Parse decodes data in the given format, sniffing it when format is auto.
func Parse(data []byte, format Format) ([]models.ClassCoverage, error) {
	if format == "" || format == FormatAuto {
		detected, err := DetectFormat(data)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	switch format {
	case FormatJaCoCo:
		return ParseJaCoCoXML(bytes.NewReader(data))
	case FormatJSON:
		return ParseJSON(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

type jacocoReport struct {
	XMLName  xml.Name        `xml:"report"`
	Name     string          `xml:"name,attr"`
	Groups   []jacocoGroup   `xml:"group"`
	Packages []jacocoPackage `xml:"package"`
}

type jacocoGroup struct {
	Name     string          `xml:"name,attr"`
	Groups   []jacocoGroup   `xml:"group"`
	Packages []jacocoPackage `xml:"package"`
}

type jacocoPackage struct {
	Name    string        `xml:"name,attr"`
	Classes []jacocoClass `xml:"class"`
}

type jacocoClass struct {
	Name     string          `xml:"name,attr"`
	Counters []jacocoCounter `xml:"counter"`
}

type jacocoCounter struct {
	Type    string `xml:"type,attr"`
	Missed  int    `xml:"missed,attr"`
	Covered int    `xml:"covered,attr"`
}

// ParseJaCoCoXML reads a JaCoCo XML report. Only class-level counters are used.
// JaCoCo omits counters whose total is zero, so every kind seen anywhere in the
// report is filled in as 0/0 on classes that lack it.
func ParseJaCoCoXML(r io.Reader) ([]models.ClassCoverage, error) {
	var doc jacocoReport
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse xml: %v", ErrInvalidReport, err)
	}

	var packages []jacocoPackage
	var walk func(groups []jacocoGroup)
	walk = func(groups []jacocoGroup) {
		for _, g := range groups {
			packages = append(packages, g.Packages...)
			walk(g.Groups)
		}
	}
	packages = append(packages, doc.Packages...)
	walk(doc.Groups)

	measured := make(map[models.CounterKind]bool)
	var out []models.ClassCoverage
	for _, p := range packages {
		for _, c := range p.Classes {
			name := strings.ReplaceAll(c.Name, "/", ".")
			counters := make(map[models.CounterKind]models.Counter, len(c.Counters))
			for _, ctr := range c.Counters {
				kind, err := models.ParseCounterKind(ctr.Type)
				if err != nil {
					return nil, fmt.Errorf("%w: class %s: %v", ErrInvalidReport, name, err)
				}
				if ctr.Missed < 0 || ctr.Covered < 0 {
					return nil, fmt.Errorf("%w: class %s: negative %s counter", ErrInvalidReport, name, kind)
				}
				counters[kind] = models.Counter{Covered: ctr.Covered, Total: ctr.Missed + ctr.Covered}
				measured[kind] = true
			}
			out = append(out, models.ClassCoverage{Name: name, Counters: counters})
		}
	}
	for i := range out {
		for kind := range measured {
			if _, ok := out[i].Counters[kind]; !ok {
				out[i].Counters[kind] = models.Counter{}
			}
		}
	}
	return finish(out)
}

type jsonReport struct {
	Classes []struct {
		Name     string                    `json:"name"`
		Counters map[string]models.Counter `json:"counters"`
	} `json:"classes"`
}

// ParseJSON reads the native JSON format:
//
//	{"classes":[{"name":"a.B","counters":{"LINE":{"covered":7,"total":10}}}]}
//
// Counters are taken as given; a missing kind stays missing.
func ParseJSON(r io.Reader) ([]models.ClassCoverage, error) {
	var doc jsonReport
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrInvalidReport, err)
	}
	out := make([]models.ClassCoverage, 0, len(doc.Classes))
	for _, c := range doc.Classes {
		counters := make(map[models.CounterKind]models.Counter, len(c.Counters))
		for k, v := range c.Counters {
			kind, err := models.ParseCounterKind(k)
			if err != nil {
				return nil, fmt.Errorf("%w: class %s: %v", ErrInvalidReport, c.Name, err)
			}
			if v.Covered < 0 || v.Total < 0 || v.Covered > v.Total {
				return nil, fmt.Errorf("%w: class %s: %s counter %d/%d out of range", ErrInvalidReport, c.Name, kind, v.Covered, v.Total)
			}
			counters[kind] = v
		}
		out = append(out, models.ClassCoverage{Name: c.Name, Counters: counters})
	}
	return finish(out)
}

// finish validates class names, rejects duplicates and sorts by name.
func finish(classes []models.ClassCoverage) ([]models.ClassCoverage, error) {
	seen := make(map[string]struct{}, len(classes))
	for i := range classes {
		name, err := validation.ValidateClassName(classes[i].Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate class %s", ErrInvalidReport, name)
		}
		seen[name] = struct{}{}
		classes[i].Name = name
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	return classes, nil
}
