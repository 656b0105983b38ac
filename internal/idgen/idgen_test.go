package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_Length(t *testing.T) {
	id := RequestID()
	assert.Len(t, id, 48)
}

func TestRequestID_ValidCharacters(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	id := RequestID()
	assert.True(t, valid.MatchString(id), "id contains invalid characters: %q", id)
}

func TestRequestID_Unique(t *testing.T) {
	a := RequestID()
	b := RequestID()
	assert.NotEqual(t, a, b, "two consecutive calls produced the same ID")
}

func TestNewTargetID_IsValidULID(t *testing.T) {
	id := NewTargetID()
	assert.Len(t, id, 26)

	_, err := ParseTargetID(id)
	require.NoError(t, err)
}

func TestParseTargetID_RejectsGarbage(t *testing.T) {
	_, err := ParseTargetID("not-a-ulid")
	assert.Error(t, err)
}

func TestClaimCode_FormatAndAlphabet(t *testing.T) {
	code, err := ClaimCode()
	require.NoError(t, err)
	assert.Len(t, code, claimCodeLength)
	assert.True(t, IsValidClaimCodeFormat(code))

	for _, r := range code {
		assert.NotContains(t, "0O1I", string(r), "claim code must avoid confusable characters")
	}
}

func TestClaimCode_Unique(t *testing.T) {
	a, err := ClaimCode()
	require.NoError(t, err)
	b, err := ClaimCode()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIsValidClaimCodeFormat(t *testing.T) {
	cases := map[string]bool{
		"ABC234": true,
		"abc234": true, // case-insensitive, caller normalizes
		"ABC23":  false,
		"ABC2345": false,
		"ABCO34": false, // contains confusable O
		"":       false,
	}
	for in, want := range cases {
		assert.Equal(t, want, IsValidClaimCodeFormat(in), "input %q", in)
	}
}

func TestNormalizeClaimCode(t *testing.T) {
	assert.Equal(t, "ABC234", NormalizeClaimCode("  abc234 "))
}
