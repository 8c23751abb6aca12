package security

import (
	"errors"
	"strings"
	"testing"

	"chatcore/internal/models"
)

func TestContentFilter_Sanitize(t *testing.T) {
	f := NewContentFilter(0, nil)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"Allowed markup", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert(1)</script>Hello", "Hello"},
		{"Iframe", "<iframe src=x></iframe>Hi", "Hi"},
		{"Object and embed", "<object data=x></object><embed src=y>Hi", "Hi"},
		{"Script URI in link", "<a href=\"javascript:alert(1)\">Click me</a>", "Click me"},
		{"Bare script URI", "javascript:alert(1)", "alert(1)"},
		{"VBScript URI", "VBScript: msgbox", "msgbox"},
		{"Handler-like plain text", "onclick=steal()", "onclick=steal()"},
		{"Assignment in prose", "one = 1", "one = 1"},
		{"Word starting with on", "let only= the best in", "let only= the best in"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestContentFilter_EventHandlerAttribute(t *testing.T) {
	f := NewContentFilter(0, nil)

	for _, input := range []string{
		`<img src="x.png" onerror="alert(1)">ok`,
		`<b onmouseover="steal()">ok</b>`,
		`<a href="https://example.com" ONCLICK='x()'>ok</a>`,
	} {
		got := f.Sanitize(input)
		if !strings.Contains(got, "ok") {
			t.Errorf("text lost: %q", got)
		}
		lower := strings.ToLower(got)
		if strings.Contains(lower, "onerror") || strings.Contains(lower, "onmouseover") || strings.Contains(lower, "onclick") {
			t.Errorf("event handler survived: %q", got)
		}
	}
}

func TestContentFilter_Truncate(t *testing.T) {
	f := NewContentFilter(5, nil)
	if got := f.Sanitize("привет мир"); got != "приве" {
		t.Errorf("expected rune-aware truncation, got %q", got)
	}
}

func TestContentFilter_BlockedTerms(t *testing.T) {
	f := NewContentFilter(0, []string{"darn", "heck", " "})

	got := f.Sanitize("Darn it, what the HECK")
	if got != "**** it, what the ****" {
		t.Errorf("Sanitize() = %q", got)
	}
}

func TestContentFilter_Clean(t *testing.T) {
	f := NewContentFilter(0, nil)

	if _, err := f.Clean("aaaaaaaaaaaa"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected spam to be rejected, got %v", err)
	}

	got, err := f.Clean("<script>x</script>hello")
	if err != nil {
		t.Fatalf("Clean() failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("Clean() = %q", got)
	}
}

func TestIsSpam(t *testing.T) {
	tests := []struct {
		name  string
		input string
		spam  bool
	}{
		{"Normal", "see you tomorrow at noon", false},
		{"Ten repeats", "hmmmmmmmmmm", false},
		{"Eleven repeats", "hmmmmmmmmmmm", true},
		{"Two links", "http://a.example and https://b.example", false},
		{"Three links", "http://a.example https://b.example www.c.example", true},
		{"Short shouting", "OK GO NOW", false},
		{"Long shouting", "WHERE ARE YOU NOW", true},
		{"Mixed case", "Where Are You Now", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, reason := IsSpam(tt.input); got != tt.spam {
				t.Errorf("IsSpam(%q) = %v (%s), want %v", tt.input, got, reason, tt.spam)
			}
		})
	}
}
