package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatcore/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const DefaultMaxLength = 5000

var (
	scriptURI  = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)
	urlPattern = regexp.MustCompile(`(?i)\b(https?://|www\.)\S+`)
)

// ContentFilter cleans user supplied message content.
type ContentFilter struct {
	policy    *bluemonday.Policy
	maxLength int
	blocked   *regexp.Regexp
}

func NewContentFilter(maxLength int, blockedTerms []string) *ContentFilter {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	f := &ContentFilter{
		policy:    bluemonday.UGCPolicy(),
		maxLength: maxLength,
	}

	var quoted []string
	for _, term := range blockedTerms {
		if term = strings.TrimSpace(term); term != "" {
			quoted = append(quoted, regexp.QuoteMeta(term))
		}
	}
	if len(quoted) > 0 {
		f.blocked = regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
	}
	return f
}

// Sanitize strips disallowed markup with its attributes, including inline
// event handlers, and script URIs. It then masks blocked terms and truncates
// to the maximum length. Plain text is kept as written.
func (f *ContentFilter) Sanitize(input string) string {
	out := f.policy.Sanitize(input)
	out = scriptURI.ReplaceAllString(out, "")

	if f.blocked != nil {
		out = f.blocked.ReplaceAllStringFunc(out, func(term string) string {
			return strings.Repeat("*", utf8.RuneCountInString(term))
		})
	}

	if utf8.RuneCountInString(out) > f.maxLength {
		out = string([]rune(out)[:f.maxLength])
	}
	return strings.TrimSpace(out)
}

// Clean rejects spam and returns the sanitized content.
func (f *ContentFilter) Clean(input string) (string, error) {
	if spam, reason := IsSpam(input); spam {
		return "", fmt.Errorf("%w: message flagged as spam (%s)", models.ErrValidation, reason)
	}
	return f.Sanitize(input), nil
}

// IsSpam flags runs of 11 or more identical characters, more than 2 URLs,
// or more than 70% upper case characters in content longer than 10 characters.
func IsSpam(content string) (bool, string) {
	var (
		prev rune
		run  int
	)
	for _, r := range content {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= 11 {
			return true, "repeated characters"
		}
	}

	if len(urlPattern.FindAllStringIndex(content, -1)) > 2 {
		return true, "too many links"
	}

	if total := utf8.RuneCountInString(content); total > 10 {
		var upper int
		for _, r := range content {
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if float64(upper)/float64(total) > 0.7 {
			return true, "excessive caps"
		}
	}

	return false, ""
}
