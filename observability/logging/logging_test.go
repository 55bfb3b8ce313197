package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("borrower", "lfg1qxyz")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redaction, got %q", attr.Value.String())
	}

	attr = MaskField("loanID", "42")
	if attr.Value.String() != "42" {
		t.Fatalf("allowlisted key masked: %q", attr.Value.String())
	}

	attr = MaskField("borrower", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value should pass through, got %q", attr.Value.String())
	}
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %v", i, keys)
		}
	}
	if !IsAllowlisted("SessionID") {
		t.Fatalf("sessionid should be allowlisted case-insensitively")
	}
}
