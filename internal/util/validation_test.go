package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEmail(t *testing.T) {
	valid := []string{
		"a@example.com",
		"pool-7@accounts.pool.test",
		"user+tag@sub.domain.org",
	}
	for _, s := range valid {
		assert.True(t, IsValidEmail(s), s)
	}

	invalid := []string{
		"",
		"not-an-email",
		"no domain@example.com",
		"two@@example.com",
		"missing-tld@example",
		"a@" + strings.Repeat("x", 250) + ".com",
	}
	for _, s := range invalid {
		assert.False(t, IsValidEmail(s), s)
	}
}
