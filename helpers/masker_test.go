package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenFingerprint(t *testing.T) {
	assert.Equal(t, "none", TokenFingerprint(""))

	a := TokenFingerprint("t1")
	b := TokenFingerprint("t2")
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b, "different tokens must not share a fingerprint")
	assert.Equal(t, a, TokenFingerprint("t1"), "fingerprint must be stable")
	assert.NotContains(t, a, "t1")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "[REDACTED]", MaskToken("abc"))
	assert.Equal(t, "eyJh...[REDACTED]", MaskToken("eyJhbGciOiJIUzI1NiJ9"))
}

func TestMaskURL(t *testing.T) {
	masked := MaskURL("wss://api.example.com/hub/messageHub?userId=u1&id=conn-token&access_token=secret")
	assert.Contains(t, masked, "userId=u1")
	assert.NotContains(t, masked, "secret")
	assert.NotContains(t, masked, "conn-token")
	assert.True(t, strings.Contains(masked, "access_token=[REDACTED]"), masked)

	assert.Equal(t, "https://api.example.com/hub", MaskURL("https://api.example.com/hub"))
	assert.Equal(t, "[REDACTED URL]", MaskURL("://bad url"))
}
