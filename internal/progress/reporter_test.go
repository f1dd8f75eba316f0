package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		// SI units
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "", "-5MB"} {
		if _, err := ParseBytes(input); err == nil {
			t.Errorf("ParseBytes(%q): expected error", input)
		}
	}
}

func TestReporterOutput(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(Options{
		TotalBytes: 1000,
		Label:      "Example Game",
		Output:     &buf,
	})

	r.Update(500, 400, 3)
	r.Update(1000, 900, 7)
	r.Finish("completed", 900, 7)

	out := buf.String()
	if !strings.Contains(out, "Example Game") {
		t.Errorf("output missing label: %q", out)
	}
	if !strings.Contains(out, "50.0%") {
		t.Errorf("output missing percentage: %q", out)
	}
	if !strings.Contains(out, "Done:") {
		t.Errorf("output missing final line: %q", out)
	}
}

func TestReporterFinishWithoutUpdate(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(Options{Label: "x", Output: &buf})
	r.Finish("failed", 0, 0)

	if !strings.Contains(buf.String(), "Failed") {
		t.Errorf("expected failure line, got %q", buf.String())
	}
}
