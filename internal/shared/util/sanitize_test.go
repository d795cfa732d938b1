package util

import (
	"strings"
	"testing"
)

func TestSanitizeFileName(t *testing.T) {
	got, err := SanitizeFileName(" standup/notes.m4a ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "standup_notes.m4a" {
		t.Fatalf("got %q", got)
	}

	got, err = SanitizeFileName("notes\x00\r.txt")
	if err != nil || got != "notes.txt" {
		t.Fatalf("expected control characters dropped, got %q %v", got, err)
	}

	got, err = SanitizeFileName(strings.Repeat("a", 200) + ".m4a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != maxFileNameLen || !strings.HasSuffix(got, ".m4a") {
		t.Fatalf("expected truncated name with extension, got %d %q", len(got), got)
	}

	for _, bad := range []string{"../etc/passwd", "   ", "\x01"} {
		if _, err := SanitizeFileName(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
