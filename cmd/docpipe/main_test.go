package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docpipe/internal/api"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	cfgPath := filepath.Join(base, "docpipe.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
staging_dir = %q
log_dir = %q
api_bind = ""

[pipeline]
retry_backoff_base = 1
retry_backoff_max = 1

[embedding]
requests_per_second = 0

[extraction]
requests_per_second = 0
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "staging"),
		filepath.Join(base, "logs"),
	)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("docpipe %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestSubmitProcessAndInspect(t *testing.T) {
	cfgPath := writeTestConfig(t)
	source := filepath.Join(t.TempDir(), "notes.txt")
	content := strings.Repeat("Order 7 shipped to region 4 without delay.\n", 8)
	if err := os.WriteFile(source, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out := runCommand(t, "--config", cfgPath, "submit", source, "--process")
	if !strings.Contains(out, "processed 1 document(s)") {
		t.Fatalf("submit output missing processing confirmation:\n%s", out)
	}

	out = runCommand(t, "--config", cfgPath, "list", "--json")
	var summaries []api.DocumentSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("list --json output not JSON: %v\n%s", err, out)
	}
	if len(summaries) != 1 {
		t.Fatalf("listed %d documents, want 1", len(summaries))
	}
	if summaries[0].Status != "completed" {
		t.Fatalf("document status = %s, want completed", summaries[0].Status)
	}

	out = runCommand(t, "--config", cfgPath, "show", fmt.Sprintf("%d", summaries[0].ID), "--json")
	var detail api.DocumentDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("show --json output not JSON: %v\n%s", err, out)
	}
	if len(detail.Stages) == 0 {
		t.Fatal("detail has no stage views")
	}
	for _, sv := range detail.Stages {
		if sv.Status != "completed" {
			t.Fatalf("stage %s status = %s, want completed", sv.Name, sv.Status)
		}
	}

	// Resubmitting the same file reuses the existing document.
	out = runCommand(t, "--config", cfgPath, "submit", source)
	_ = out
	out = runCommand(t, "--config", cfgPath, "list", "--json")
	summaries = nil
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("list --json output not JSON: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("resubmission created a duplicate: %d documents", len(summaries))
	}
}

func TestStatusCommandReportsCounts(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out := runCommand(t, "--config", cfgPath, "status", "--json")
	var health struct {
		Total int `json:"Total"`
	}
	if err := json.Unmarshal([]byte(out), &health); err != nil {
		t.Fatalf("status --json output not JSON: %v\n%s", err, out)
	}
	if health.Total != 0 {
		t.Fatalf("fresh ledger reports %d documents", health.Total)
	}
}

func TestRunCommandWithNothingPending(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out := runCommand(t, "--config", cfgPath, "run")
	if !strings.Contains(out, "nothing to process") {
		t.Fatalf("run output = %q", out)
	}
}
