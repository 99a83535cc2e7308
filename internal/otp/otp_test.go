package otp

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesSixDigitCodes(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Len(t, code, 6)

		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}

func TestGenerateVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := Generate()
		require.NoError(t, err)
		seen[code] = true
	}
	// 50 draws from 900k values colliding down to one code would mean a
	// broken source.
	assert.Greater(t, len(seen), 1)
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("123456", "123456"))
	assert.False(t, Matches("123456", "654321"))
	assert.False(t, Matches("123456", ""))
	assert.False(t, Matches("", ""))
	assert.False(t, Matches("", "123456"))
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.False(t, Expired(&future, now))
	assert.True(t, Expired(&past, now))
	assert.True(t, Expired(nil, now))

	// Boundary: a code expires strictly after its expiry instant.
	assert.False(t, Expired(&now, now))
}
