package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kjstillabower/coverage-verifier/internal/report"
)

const testConfig = `verification:
  exclusions:
    - com.example.Main
  rules:
    - name: line-coverage
      counter: LINE
      element: CLASS
      minimum: 0.70
`

const passingReport = `{"classes":[
  {"name":"com.example.Engine","counters":{"LINE":{"covered":9,"total":10}}},
  {"name":"com.example.Main","counters":{"LINE":{"covered":0,"total":3}}}
]}`

const failingReport = `{"classes":[
  {"name":"com.example.Engine","counters":{"LINE":{"covered":9,"total":10}}},
  {"name":"com.example.Booster","counters":{"LINE":{"covered":5,"total":10}}}
]}`

// setupFiles writes the config and reports into a temp dir and returns their paths.
func setupFiles(t *testing.T) (cfgPath, passPath, failPath string) {
	t.Helper()
	t.Setenv("NATS_URL", "")
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	return write("rules.yaml", testConfig), write("pass.json", passingReport), write("fail.json", failingReport)
}

func runCLI(args []string, stdin string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// TestRun_ExitCodes verifies the gate's exit status for each outcome.
func TestRun_ExitCodes(t *testing.T) {
	cfgPath, passPath, failPath := setupFiles(t)

	tests := []struct {
		name       string
		args       []string
		stdin      string
		wantCode   int
		wantStdout string
	}{
		{"passing report", []string{"-config", cfgPath, "-report", passPath}, "", exitPass, "Coverage verification passed"},
		{"positional report", []string{"-config", cfgPath, passPath}, "", exitPass, "Coverage verification passed"},
		{"violations", []string{"-config", cfgPath, "-report", failPath}, "", exitViolations, "com.example.Booster"},
		{"stdin", []string{"-config", cfgPath, "-format", "json", "-"}, failingReport, exitViolations, "line-coverage"},
		{"missing report", []string{"-config", cfgPath, "-report", filepath.Join(filepath.Dir(cfgPath), "nope.xml")}, "", exitError, ""},
		{"invalid report", []string{"-config", cfgPath, "-"}, "<report><package", exitError, ""},
		{"bad format", []string{"-config", cfgPath, "-format", "lcov", passPath}, "", exitError, ""},
		{"missing config", []string{"-config", "/nonexistent/rules.yaml", passPath}, "", exitError, ""},
		{"no report", []string{"-config", cfgPath}, "", exitError, ""},
		{"unknown flag", []string{"-bogus"}, "", exitError, ""},
		{"help", []string{"-h"}, "", exitPass, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(tt.args, tt.stdin)
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d. stdout: %s stderr: %s", code, tt.wantCode, stdout, stderr)
			}
			if tt.wantStdout != "" && !strings.Contains(stdout, tt.wantStdout) {
				t.Errorf("stdout = %q, want to contain %q", stdout, tt.wantStdout)
			}
		})
	}
}

// TestRun_Quiet verifies -quiet suppresses the summary only when the gate passes.
func TestRun_Quiet(t *testing.T) {
	cfgPath, passPath, failPath := setupFiles(t)

	if code, stdout, _ := runCLI([]string{"-config", cfgPath, "-quiet", passPath}, ""); code != exitPass || stdout != "" {
		t.Errorf("quiet pass: exit = %d stdout = %q, want 0 and empty", code, stdout)
	}
	if code, stdout, _ := runCLI([]string{"-config", cfgPath, "-quiet", failPath}, ""); code != exitViolations || stdout == "" {
		t.Errorf("quiet fail: exit = %d stdout = %q, want 1 and a summary", code, stdout)
	}
}

// TestRun_WritesReports verifies the JSON and HTML artifacts.
func TestRun_WritesReports(t *testing.T) {
	cfgPath, _, failPath := setupFiles(t)
	out := t.TempDir()
	jsonPath := filepath.Join(out, "coverage", "result.json")
	htmlPath := filepath.Join(out, "coverage", "result.html")

	code, _, stderr := runCLI([]string{"-config", cfgPath, "-json", jsonPath, "-html", htmlPath, failPath}, "")
	if code != exitViolations {
		t.Fatalf("exit = %d, want %d. stderr: %s", code, exitViolations, stderr)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("json report not written: %v", err)
	}
	var doc report.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("json report invalid: %v", err)
	}
	if doc.Passed || len(doc.Violations) != 1 || doc.Violations[0].Entity != "com.example.Booster" {
		t.Errorf("doc = %+v, want one Booster violation", doc)
	}
	if doc.RunID == "" {
		t.Error("RunID empty")
	}

	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("html report not written: %v", err)
	}
	if !strings.Contains(string(html), "com.example.Booster") {
		t.Error("html report missing violation")
	}
}

// TestRun_ExclusionApplied verifies a shared exclusion keeps an uncovered class from failing.
func TestRun_ExclusionApplied(t *testing.T) {
	cfgPath, passPath, _ := setupFiles(t)
	code, stdout, _ := runCLI([]string{"-config", cfgPath, passPath}, "")
	if code != exitPass {
		t.Fatalf("exit = %d, want 0", code)
	}
	if strings.Contains(stdout, "com.example.Main") {
		t.Errorf("stdout mentions excluded class: %q", stdout)
	}
}
