package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePluginID(t *testing.T) {
	assert.NoError(t, ValidatePluginID("demo_automation"))
	assert.NoError(t, ValidatePluginID("a"))
	assert.Error(t, ValidatePluginID(""))
	assert.Error(t, ValidatePluginID("../escape"))

	// 65 chars is the boundary-behavior case called out in the spec.
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidatePluginID(string(long)))

	ok64 := make([]byte, 64)
	for i := range ok64 {
		ok64[i] = 'a'
	}
	assert.NoError(t, ValidatePluginID(string(ok64)))
}

func TestAttestAndVerify(t *testing.T) {
	r := NewRegistry(nil)
	digest := [32]byte{1, 2, 3}
	tok, err := r.Attest("demo_automation", digest, digest, OSCredential{PID: 4242, StartedAt: time.Now()})
	require.NoError(t, err)

	got, ok := r.Verify(tok)
	require.True(t, ok)
	assert.Equal(t, "demo_automation", got)
}

func TestAttestDigestMismatch(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Attest("demo_automation", [32]byte{1}, [32]byte{2}, OSCredential{})
	assert.Error(t, err)
}

func TestVerifyUnknownTokenFails(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Verify(Token(0xdeadbeef))
	assert.False(t, ok)
}

func TestCloseInvalidatesSession(t *testing.T) {
	r := NewRegistry(nil)
	digest := [32]byte{9}
	tok, err := r.Attest("demo_automation", digest, digest, OSCredential{})
	require.NoError(t, err)

	r.Close("demo_automation")
	_, ok := r.Verify(tok)
	assert.False(t, ok)
}

func TestAttestReplacesPriorSession(t *testing.T) {
	r := NewRegistry(nil)
	digest := [32]byte{3}
	tok1, err := r.Attest("demo_automation", digest, digest, OSCredential{})
	require.NoError(t, err)

	tok2, err := r.Attest("demo_automation", digest, digest, OSCredential{})
	require.NoError(t, err)

	_, ok := r.Verify(tok1)
	assert.False(t, ok, "prior session token must be invalidated")

	_, ok = r.Verify(tok2)
	assert.True(t, ok)
}
