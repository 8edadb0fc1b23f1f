package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG": DEBUG,
		"info":  INFO,
		"Warn":  WARN,
		"ERROR": ERROR,
		"bogus": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("WARN", &buf)

	lg.Info("dropped: n=%d", 1)
	lg.Warn("kept: n=%d", 2)

	out := strings.TrimSpace(buf.String())
	lines := strings.Split(out, "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), out)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["message"] != "kept: n=2" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["level"] != "warn" {
		t.Fatalf("unexpected level: %v", entry["level"])
	}
	caller, _ := entry["caller"].(string)
	if !strings.Contains(caller, "log_test.go") {
		t.Fatalf("caller should point at the test, got %q", caller)
	}
}

func TestWithAddsField(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("DEBUG", &buf).With("job", "job-1234")

	lg.Debugf("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["job"] != "job-1234" {
		t.Fatalf("expected job field, got %v", entry)
	}
}

func TestNopDiscards(t *testing.T) {
	lg := Nop()
	lg.Error("nothing to see")
	if lg.Level() <= ERROR {
		t.Fatalf("nop logger should be above ERROR")
	}
}
