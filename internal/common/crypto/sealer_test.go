package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return hex.EncodeToString(make([]byte, 32))
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"token":"ghp_abc"}`))
	require.NoError(t, err)
	assert.NotEqual(t, []byte(`{"token":"ghp_abc"}`), sealed)

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"token":"ghp_abc"}`), opened)
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	s, err := NewAESSealer(testKey())
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces must differ")
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	s, err := NewAESSealer(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsShortBlob(t *testing.T) {
	s, err := NewAESSealer(testKey())
	require.NoError(t, err)

	_, err = s.Open([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNewAESSealerRejectsBadKey(t *testing.T) {
	_, err := NewAESSealer("short")
	assert.Error(t, err)
}

func TestNoopSealer(t *testing.T) {
	var s NoopSealer
	sealed, err := s.Seal([]byte("x"))
	require.NoError(t, err)
	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), opened)
}
