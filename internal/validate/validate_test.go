package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateClaimCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "ABC234", false},
		{"valid lowercase", "abc234", false},
		{"valid with whitespace", "  ABC234  ", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"too short", "ABC23", true},
		{"too long", "ABC2345", true},
		{"confusable char O", "ABCO34", true},
		{"confusable char 0", "ABC034", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClaimCode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChannelName_Truncation(t *testing.T) {
	short, truncated := ChannelName("general")
	assert.Equal(t, "general", short)
	assert.False(t, truncated)

	long := strings.Repeat("a", 50)
	got, truncated := ChannelName(long)
	assert.Len(t, []rune(got), 32)
	assert.True(t, truncated)

	empty, truncated := ChannelName("   ")
	assert.Equal(t, "channel", empty)
	assert.False(t, truncated)
}

func TestValidateServerName(t *testing.T) {
	assert.NoError(t, ValidateServerName("My Guild"))
	assert.Error(t, ValidateServerName(""))
	assert.Error(t, ValidateServerName("   "))
	assert.Error(t, ValidateServerName("\x00\x01\x02"))
}
