package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
		ok    bool
	}{
		{"rfc3339 utc", "2026-03-01T10:00:00Z", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"fractional with offset", "2026-03-01T10:00:00.250+00:00", time.Date(2026, 3, 1, 10, 0, 0, 250000000, time.UTC), true},
		{"naive microseconds", "2026-03-01T10:00:00.123456", time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC), true},
		{"empty", "", time.Time{}, false},
		{"garbage", "yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestAttachmentMarkdownLink(t *testing.T) {
	a := Attachment{URL: "https://files.local/a.png", Filename: "a.png"}
	assert.Equal(t, "\n[File: a.png](https://files.local/a.png)", a.MarkdownLink())
}

func TestParticipantValid(t *testing.T) {
	assert.False(t, Participant{}.Valid())
	assert.True(t, Participant{ID: "u-1"}.Valid())
}
