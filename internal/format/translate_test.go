package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTarget_Spoiler(t *testing.T) {
	require.Equal(t, "!!secret!!", ToTarget("||secret||"))
}

func TestToSource_Spoiler(t *testing.T) {
	require.Equal(t, "||secret||", ToSource("!!secret!!"))
}

func TestToTarget_Mentions(t *testing.T) {
	assert.Equal(t, "hi @unknown-user", ToTarget("hi <@123456789012345678>"))
	assert.Equal(t, "hi @unknown-user", ToTarget("hi <@!123456789012345678>"))
	assert.Equal(t, "see #unknown-channel", ToTarget("see <#123456789012345678>"))
	assert.Equal(t, "ping @unknown-role", ToTarget("ping <@&123456789012345678>"))
}

func TestToTarget_Emoji(t *testing.T) {
	assert.Equal(t, ":pepe:", ToTarget("<:pepe:123456789012345678>"))
	assert.Equal(t, ":pepe:", ToTarget("<a:pepe:123456789012345678>"))
}

func TestToSource_Mentions(t *testing.T) {
	assert.Equal(t, "hi @unknown-user", ToSource("hi <@01HABCDEFGHJKMNPQRSTVWXYZ1>"))
	assert.Equal(t, "see #unknown-channel", ToSource("see <#01HABCDEFGHJKMNPQRSTVWXYZ1>"))
}

func TestRoundTrip_TargetFormattedBody(t *testing.T) {
	// to_target(to_source(x)) == x holds for bodies in target syntax
	// containing only spoiler, bold/italic, code-fences, and links
	// (spec §8 property 8) — mention tokens are excluded since both
	// directions replace them with a stand-in, not invert each other.
	cases := []string{
		"hello **world**",
		"a [link](https://example.com/x)",
		"```go\nfunc main() {}\n```",
		"*italic* and _also italic_",
		"!!spoiler text!!",
	}
	for _, c := range cases {
		assert.Equal(t, c, ToTarget(ToSource(c)), "case: %q", c)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", MaxLength+50)
	out := Truncate(long)
	assert.Equal(t, MaxLength, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestTruncate_NoOverflow(t *testing.T) {
	s := "short message"
	assert.Equal(t, s, Truncate(s))
}
