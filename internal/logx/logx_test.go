package logx

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"", false},
		{"bad", true},
	}
	for _, c := range cases {
		_, err := ParseLevel(c.in)
		if c.wantErr && err == nil {
			t.Fatalf("expected error for %q", c.in)
		}
		if !c.wantErr && err != nil {
			t.Fatalf("unexpected error for %q: %v", c.in, err)
		}
	}
}

func TestConfigurePrecedence(t *testing.T) {
	t.Setenv("MSS_LOG_LEVEL", "warn")
	if err := Configure("", false); err != nil {
		t.Fatalf("configure env: %v", err)
	}
	if IsDebug() {
		t.Fatalf("expected non-debug from env warn")
	}

	if err := Configure("", true); err != nil {
		t.Fatalf("configure verbose: %v", err)
	}
	if !IsDebug() {
		t.Fatalf("expected debug from verbose")
	}

	if err := Configure("error", true); err != nil {
		t.Fatalf("configure explicit: %v", err)
	}
	if IsDebug() {
		t.Fatalf("expected non-debug from explicit error")
	}

	_ = os.Unsetenv("MSS_LOG_LEVEL")
	_ = SetLevel("info")
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLevel("info")
	})

	if err := SetLevel("warn"); err != nil {
		t.Fatal(err)
	}
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	Logger().Debug("hidden structured")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered message leaked: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("expected warn line, got %q", out)
	}
}
