package identity

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/studyrooms/backend/internal/apperr"
)

const (
	maxDisplayNameLen = 50
	maxMessageLen     = 1000
)

var (
	tagPattern        = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>|<[^>]*>`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
	sqlProbePattern   = regexp.MustCompile(`(?i)(\bunion\s+select\b|\bor\s+1\s*=\s*1\b|;\s*drop\s+table\b|--\s*$|/\*.*\*/|\bxp_cmdshell\b)`)
	controlCharsMatch = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// ValidateDisplayName rejects names that are empty (after trimming), exceed
// the code-point budget, or contain a recognized injection probe. It does
// not mutate s.
func ValidateDisplayName(s string) *apperr.Error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return apperr.New(apperr.InvalidDisplayName, "display name must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxDisplayNameLen {
		return apperr.New(apperr.InvalidDisplayName, "display name exceeds 50 characters")
	}
	if sqlProbePattern.MatchString(trimmed) {
		return apperr.New(apperr.MaliciousInput, "display name contains a recognized injection probe")
	}
	return nil
}

// SanitizeDisplayName strips tags and control characters and collapses
// internal whitespace. Idempotent: SanitizeDisplayName(SanitizeDisplayName(s))
// == SanitizeDisplayName(s).
func SanitizeDisplayName(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = controlCharsMatch.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ValidateMessage rejects chat content that is empty (after trimming) or
// exceeds the length budget.
func ValidateMessage(s string) *apperr.Error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return apperr.New(apperr.InvalidMessage, "message must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxMessageLen {
		return apperr.New(apperr.InvalidMessage, "message exceeds 1000 characters")
	}
	return nil
}

// SanitizeMessage removes script/style/tag payloads, escapes remaining
// HTML-significant characters, and rejects recognized SQL-injection probes
// rather than silently stripping them. Input is entity-decoded before it is
// cleaned and escaped, so re-sanitizing already-escaped text decodes it back
// and escapes it exactly once again: idempotent for all non-malicious input.
func SanitizeMessage(s string) (string, *apperr.Error) {
	decoded := html.UnescapeString(s)
	if sqlProbePattern.MatchString(decoded) {
		return "", apperr.New(apperr.MaliciousInput, "message contains a recognized injection probe")
	}

	cleaned := tagPattern.ReplaceAllString(decoded, "")
	cleaned = controlCharsMatch.ReplaceAllString(cleaned, "")
	cleaned = whitespaceRun.ReplaceAllString(strings.TrimSpace(cleaned), " ")
	if sqlProbePattern.MatchString(cleaned) {
		return "", apperr.New(apperr.MaliciousInput, "message contains a recognized injection probe")
	}
	return html.EscapeString(cleaned), nil
}
