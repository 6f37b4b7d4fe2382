package report

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"time"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// Document is the rendered form of one verification run.
type Document struct {
	RunID       string             `json:"runId"`
	Passed      bool               `json:"passed"`
	Cached      bool               `json:"cached"`
	Rules       int                `json:"rules"`
	Checked     int                `json:"checked"`
	Violations  []models.Violation `json:"violations"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// NewDocument wraps a result for rendering. Violations is never nil in the output.
func NewDocument(runID string, result models.Result, cached bool, at time.Time) Document {
	violations := result.Violations
	if violations == nil {
		violations = []models.Violation{}
	}
	return Document{
		RunID:       runID,
		Passed:      result.Passed(),
		Cached:      cached,
		Rules:       result.Rules,
		Checked:     result.Checked,
		Violations:  violations,
		GeneratedAt: at.UTC(),
	}
}

// WriteText writes the human-readable summary followed by one line per violation.
func WriteText(w io.Writer, doc Document) error {
	if doc.Passed {
		_, err := fmt.Fprintf(w, "Coverage verification passed: %d rule(s), %d entities checked\n", doc.Rules, doc.Checked)
		return err
	}
	if _, err := fmt.Fprintf(w, "Coverage verification failed: %d violation(s) across %d rule(s), %d entities checked\n",
		len(doc.Violations), doc.Rules, doc.Checked); err != nil {
		return err
	}
	for _, v := range doc.Violations {
		if _, err := fmt.Fprintf(w, "  %s\n", v.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteHTML writes a standalone HTML page listing every violation.
func WriteHTML(w io.Writer, doc Document) error {
	status := "PASSED"
	if !doc.Passed {
		status = "FAILED"
	}
	title := "Coverage verification"
	if doc.RunID != "" {
		title += " " + doc.RunID
	}

	fmt.Fprintf(w, "<!doctype html><html><head><meta charset='utf-8'><title>%s</title>", html.EscapeString(title))
	fmt.Fprint(w, "<style>body{font-family:system-ui,Arial,sans-serif;padding:20px;line-height:1.4} table{border-collapse:collapse;margin:8px 0} td,th{border:1px solid #ddd;padding:6px} td.num{text-align:right} .dim{color:#666} .fail{color:#b00} .pass{color:#070} .mono{font-family:ui-monospace,Menlo,Consolas,monospace}</style>")
	fmt.Fprint(w, "</head><body>")

	cls := "pass"
	if !doc.Passed {
		cls = "fail"
	}
	fmt.Fprintf(w, "<h1>%s &ndash; <span class='%s'>%s</span></h1>", html.EscapeString(title), cls, status)
	fmt.Fprintf(w, "<p>Rules: %d &nbsp; Entities checked: %d &nbsp; Violations: %d</p>", doc.Rules, doc.Checked, len(doc.Violations))
	fmt.Fprintf(w, "<p class='dim'>Generated %s</p>", html.EscapeString(doc.GeneratedAt.Format(time.RFC3339)))

	if len(doc.Violations) == 0 {
		_, err := fmt.Fprint(w, "<h2>Violations</h2><p class='dim'>All rules satisfied.</p></body></html>")
		return err
	}
	fmt.Fprint(w, "<h2>Violations</h2><table><tr><th>Rule</th><th>Element</th><th>Entity</th><th>Counter</th><th>Covered</th><th>Total</th><th>Ratio</th><th>Minimum</th></tr>")
	for _, v := range doc.Violations {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td class='mono'>%s</td><td>%s</td><td class='num'>%d</td><td class='num'>%d</td><td class='num'>%.2f</td><td class='num'>%.2f</td></tr>",
			html.EscapeString(v.RuleName),
			html.EscapeString(string(v.Element)),
			html.EscapeString(v.Entity),
			html.EscapeString(string(v.Counter)),
			v.Covered,
			v.Total,
			v.Ratio,
			v.Minimum,
		)
	}
	_, err := fmt.Fprint(w, "</table></body></html>")
	return err
}
