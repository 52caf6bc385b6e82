package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupRejectsUnknown(t *testing.T) {
	if err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("Setup accepted unknown level")
	}
	if err := Setup(Options{Level: "info", Format: "xml"}); err == nil {
		t.Error("Setup accepted unknown format")
	}
}

func TestSetupJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := Setup(Options{Level: "warn", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	slog.Info("dropped")
	slog.Warn("malicious code blocked", "identity", "a@b.c")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "malicious code blocked" || rec["identity"] != "a@b.c" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestSetupRedactsCode(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := Setup(Options{Level: "info", Format: "text", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	payload := "os.system('rm -rf /')"
	slog.Warn("malicious code blocked",
		"identity", "a@b.c",
		"snippet", payload,
		slog.Group("submission", "source", payload, "language", "python"),
		"Code", payload,
		"code_hash", "abc123",
	)

	out := buf.String()
	if strings.Contains(out, "rm -rf") {
		t.Fatalf("submitted code leaked into log: %s", out)
	}
	for _, want := range []string{"snippet=" + Redacted, "submission.source=" + Redacted, "Code=" + Redacted, "code_hash=abc123", "submission.language=python"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestSetupKeepsCallerSourceInDebug(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := Setup(Options{Level: "debug", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	slog.Debug("trace")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	src, ok := entry[slog.SourceKey].(map[string]any)
	if !ok {
		t.Fatalf("source = %v, want caller object", entry[slog.SourceKey])
	}
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "logging_test.go") {
		t.Errorf("source.file = %q, want logging_test.go", file)
	}
}
