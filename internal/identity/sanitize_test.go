package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studyrooms/backend/internal/apperr"
)

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr apperr.Code
	}{
		{"valid", "Ada Lovelace", ""},
		{"empty", "", apperr.InvalidDisplayName},
		{"whitespace only", "   ", apperr.InvalidDisplayName},
		{"too long", strings.Repeat("a", 51), apperr.InvalidDisplayName},
		{"exactly at limit", strings.Repeat("a", 50), ""},
		{"sql injection probe", "Robert'); DROP TABLE principals;--", apperr.MaliciousInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.input)
			if tt.wantErr == "" {
				assert.Nil(t, err)
				return
			}
			if assert.NotNil(t, err) {
				assert.Equal(t, tt.wantErr, err.Code)
			}
		})
	}
}

func TestSanitizeDisplayName_StripsTagsAndCollapsesWhitespace(t *testing.T) {
	got := SanitizeDisplayName("  <b>Ada</b>   Lovelace\t\n ")
	assert.Equal(t, "Ada Lovelace", got)
}

func TestSanitizeDisplayName_Idempotent(t *testing.T) {
	input := "<script>alert(1)</script>  Weird\x00Name  "
	once := SanitizeDisplayName(input)
	twice := SanitizeDisplayName(once)
	assert.Equal(t, once, twice)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr apperr.Code
	}{
		{"valid", "hello room", ""},
		{"empty", "", apperr.InvalidMessage},
		{"too long", strings.Repeat("x", 1001), apperr.InvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.input)
			if tt.wantErr == "" {
				assert.Nil(t, err)
				return
			}
			if assert.NotNil(t, err) {
				assert.Equal(t, tt.wantErr, err.Code)
			}
		})
	}
}

func TestSanitizeMessage_EscapesHTML(t *testing.T) {
	got, err := SanitizeMessage(`hello <b>"world"</b> & friends`)
	assert.Nil(t, err)
	assert.NotContains(t, got, "<b>")
	assert.Contains(t, got, "&amp;")
}

func TestSanitizeMessage_RejectsSQLProbes(t *testing.T) {
	probes := []string{
		"1' OR 1=1 --",
		"x'; DROP TABLE rooms; --",
		"UNION SELECT password FROM principals",
	}
	for _, p := range probes {
		_, err := SanitizeMessage(p)
		if assert.NotNil(t, err, "probe: %s", p) {
			assert.Equal(t, apperr.MaliciousInput, err.Code)
		}
	}
}

func TestSanitizeMessage_Idempotent(t *testing.T) {
	input := "<script>evil()</script>  hi  there  "
	once, err := SanitizeMessage(input)
	assert.Nil(t, err)
	twice, err := SanitizeMessage(once)
	assert.Nil(t, err)
	assert.Equal(t, once, twice)
}
