package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func TestHashToken(t *testing.T) {
	t.Run("returns 64 character hex string", func(t *testing.T) {
		hash := HashToken("test-token")
		assert.Len(t, hash, 64)
	})

	t.Run("same input produces same hash", func(t *testing.T) {
		hash1 := HashToken("test-token")
		hash2 := HashToken("test-token")
		assert.Equal(t, hash1, hash2)
	})

	t.Run("different input produces different hash", func(t *testing.T) {
		hash1 := HashToken("token-1")
		hash2 := HashToken("token-2")
		assert.NotEqual(t, hash1, hash2)
	})
}

func TestConstantTimeEqual(t *testing.T) {
	t.Run("returns true for equal strings", func(t *testing.T) {
		assert.True(t, ConstantTimeEqual("abc", "abc"))
	})

	t.Run("returns false for different strings", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "def"))
	})

	t.Run("returns false for different lengths", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "abcd"))
	})

	t.Run("returns true for empty strings", func(t *testing.T) {
		assert.True(t, ConstantTimeEqual("", ""))
	})
}

func TestCheckTokenHash(t *testing.T) {
	t.Run("verifies matching token", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("admin-token"), bcrypt.MinCost)
		assert.NoError(t, err)
		assert.True(t, CheckTokenHash("admin-token", string(hash)))
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("admin-token"), bcrypt.MinCost)
		assert.NoError(t, err)
		assert.False(t, CheckTokenHash("other-token", string(hash)))
	})

	t.Run("rejects malformed hash", func(t *testing.T) {
		assert.False(t, CheckTokenHash("admin-token", "not-a-bcrypt-hash"))
	})
}

func TestMaskEmail(t *testing.T) {
	t.Run("keeps short prefix and domain", func(t *testing.T) {
		assert.Equal(t, "al****@example.com", MaskEmail("alice@example.com"))
	})

	t.Run("handles single character local part", func(t *testing.T) {
		assert.Equal(t, "a****@example.com", MaskEmail("a@example.com"))
	})

	t.Run("masks strings without an at sign", func(t *testing.T) {
		assert.Equal(t, "****", MaskEmail("not-an-email"))
	})

	t.Run("masks empty string", func(t *testing.T) {
		assert.Equal(t, "****", MaskEmail(""))
	})
}
