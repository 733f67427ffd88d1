package story

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("story", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Script != "" || cfg.DBPath != "" || cfg.Session != "" {
		t.Fatalf("expected empty defaults, got %+v", cfg)
	}
}

func TestParseConfigFlags(t *testing.T) {
	fs := flag.NewFlagSet("story", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-script", "cellar.yaml", "-db", "sessions.db", "-session", "abc"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Script != "cellar.yaml" || cfg.DBPath != "sessions.db" || cfg.Session != "abc" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestRunRequiresScript(t *testing.T) {
	err := Run(context.Background(), Config{}, strings.NewReader(""), nil)
	if err == nil {
		t.Fatal("expected error for missing script path")
	}
}

func TestRunPlaysScript(t *testing.T) {
	const src = `
title: The Cellar
start: cellar
scenes:
  - label: cellar
    text: You wake in a cold cellar.
    edges:
      - to: crates
        choice: true
        label: Search the crates
  - label: crates
    text: Nothing but dust.
`
	dir := t.TempDir()
	path := filepath.Join(dir, "cellar.yaml")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}

	var out bytes.Buffer
	in := strings.NewReader("1\n")
	if err := Run(context.Background(), Config{Script: path}, in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"You wake in a cold cellar.",
		"1) Search the crates",
		"Nothing but dust.",
		"saved session",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}
