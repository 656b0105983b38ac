package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "Alice", 100, "Alice"},
		{"with control chars", "Al\x00ice\x07", 100, "Alice"},
		{"truncate", "a very long display name", 8, "a very l"},
		{"trim whitespace", "  Alice  ", 100, "Alice"},
		{"unicode", "田中さん", 100, "田中さん"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DisplayName(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "DisplayName(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"script tag removed", "hello<script>alert(1)</script>world", "helloworld"},
		{"bold tag stripped to text", "<b>bold</b> text", "bold text"},
		{"link stripped to text", `<a href="https://evil.example">click</a>`, "click"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripHTML(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}
