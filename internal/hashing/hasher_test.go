package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerotrust-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Fingerprint: config.FingerprintConfig{
			HashKey:        "test-secret",
			HashKeyVersion: 1,
		},
	})
}

func TestFingerprintHashIsDeterministic(t *testing.T) {
	h := testHasher()

	first, err := h.FingerprintHash("ua=firefox;screen=1920x1080")
	require.NoError(t, err)
	second, err := h.FingerprintHash("ua=firefox;screen=1920x1080")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "v1$"))
}

func TestFingerprintHashDiffersByInput(t *testing.T) {
	h := testHasher()

	a, err := h.FingerprintHash("device-a")
	require.NoError(t, err)
	b, err := h.FingerprintHash("device-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintHashDiffersByKey(t *testing.T) {
	a, err := testHasher().FingerprintHash("device-a")
	require.NoError(t, err)

	other := NewHasher(&config.Config{
		Fingerprint: config.FingerprintConfig{HashKey: "different-secret", HashKeyVersion: 1},
	})
	b, err := other.FingerprintHash("device-a")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintHashVersion(t *testing.T) {
	h := testHasher()
	h.AddKeyVersion(0, "legacy-secret")

	legacy, err := h.FingerprintHashVersion("device-a", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(legacy, "v0$"))

	current, err := h.FingerprintHash("device-a")
	require.NoError(t, err)
	assert.NotEqual(t, legacy, current)

	_, err = h.FingerprintHashVersion("device-a", 9)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)
}
