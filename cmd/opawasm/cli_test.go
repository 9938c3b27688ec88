package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/opawasm/policy"
	"github.com/spf13/cobra"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"opawasm",
		"WebAssembly",
		"eval",
		"repl",
		"serve",
		"schema",
		"--allow-host",
		"--memory-limit",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIEvalHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "eval", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--input",
		"--input-json",
		"--entrypoint",
		"--data",
		"--memory",
		"--memory-max",
		"--raw",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("eval help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--history",
		"--entrypoint",
		":entry",
		":data",
		":entrypoints",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--port",
		"--timeout",
		"--max-request",
		"/v1/evaluate",
		"/v1/data",
		"/v1/entrypoints",
		"/health",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestSchemaJSON(t *testing.T) {
	out, err := schemaJSON("evaluate-request")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(out, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties in %s", out)
	}
	for _, field := range []string{"input", "entrypoint"} {
		if _, ok := props[field]; !ok {
			t.Errorf("schema should describe %q", field)
		}
	}

	all, err := schemaJSON("")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var byName map[string]any
	if err := json.Unmarshal(all, &byName); err != nil {
		t.Fatalf("schemas are not JSON: %v", err)
	}
	if len(byName) != len(apiTypes) {
		t.Errorf("expected %d schemas, got %d", len(apiTypes), len(byName))
	}

	if _, err := schemaJSON("nope"); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"1mb", policy.MemoryLimit1MB},
		{"16MB", policy.MemoryLimit16MB},
		{"64mb", policy.MemoryLimit64MB},
		{"256mb", policy.MemoryLimit256MB},
		{"1gb", policy.MemoryLimit1GB},
		{"", 0},
		{"lots", 0},
	}

	for _, tt := range tests {
		if got := parseMemoryLimit(tt.in); got != tt.want {
			t.Errorf("parseMemoryLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseDocument(t *testing.T) {
	got, err := parseDocument([]byte("user: alice\nroles:\n  - admin\n"), ".yaml")
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("yaml was not converted to JSON: %v", err)
	}
	if doc["user"] != "alice" {
		t.Errorf("expected user alice, got %v", doc["user"])
	}

	got, err = parseDocument([]byte("ports:\n  80: http\n  443: https\ntrue: yes\n"), ".yml")
	if err != nil {
		t.Fatalf("parse yaml with non-string keys: %v", err)
	}
	var keyed map[string]any
	if err := json.Unmarshal(got, &keyed); err != nil {
		t.Fatalf("yaml was not converted to JSON: %v", err)
	}
	ports, ok := keyed["ports"].(map[string]any)
	if !ok || ports["80"] != "http" || ports["443"] != "https" {
		t.Errorf("expected ports keyed by string, got %s", got)
	}
	if keyed["true"] != "yes" {
		t.Errorf("expected boolean key as string, got %s", got)
	}

	if _, err := parseDocument([]byte(`{"user":`), ".json"); err == nil {
		t.Error("expected error for truncated JSON")
	}
	if _, err := parseDocument([]byte("a: [b"), ".yml"); err == nil {
		t.Error("expected error for bad YAML")
	}
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := os.WriteFile(path, []byte(`{"admins":["alice"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readDocument(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"admins":["alice"]}` {
		t.Errorf("unexpected document %s", got)
	}

	if _, err := readDocument(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadInputFromReader(t *testing.T) {
	cmd := &cobra.Command{}
	addEvalFlags(cmd)

	got, err := readInput(cmd, strings.NewReader(`{"user":"alice"}`))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(got) != `{"user":"alice"}` {
		t.Errorf("unexpected input %s", got)
	}

	got, err = readInput(cmd, strings.NewReader("  \n"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if got != nil {
		t.Errorf("blank stdin should be undefined input, got %s", got)
	}

	if err := cmd.Flags().Set("input-json", `{"user":"bob"}`); err != nil {
		t.Fatal(err)
	}
	got, err = readInput(cmd, strings.NewReader(`{"user":"alice"}`))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(got) != `{"user":"bob"}` {
		t.Errorf("--input-json should win over stdin, got %s", got)
	}
}
