package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.Hash("secret123")
	require.NoError(t, err)
	assert.NotEqual(t, "secret123", hash)

	assert.True(t, h.Verify(hash, "secret123"))
	assert.False(t, h.Verify(hash, "Secret123"))
	assert.False(t, h.Verify("not-a-hash", "secret123"))
}

func TestHasher_VerifyMissingIsAlwaysFalse(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	assert.False(t, h.VerifyMissing("no-such-user"))
	assert.False(t, h.VerifyMissing("anything"))
}

func TestNewHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).cost)
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).cost)
}
