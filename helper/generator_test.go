package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLeaseID(t *testing.T) {
	a := GenerateLeaseID()
	b := GenerateLeaseID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestGenerateUsernameSuffix(t *testing.T) {
	s := GenerateUsernameSuffix(12)
	assert.Len(t, s, 12)
	assert.Regexp(t, "^[0-9A-Za-z]+$", s)
}

func TestGet8BytesHash(t *testing.T) {
	h := Get8BytesHash("s3cret")
	assert.Len(t, h, 16)
	assert.Regexp(t, "^[0-9a-f]+$", h)

	// Stable for the same input, different for different inputs.
	assert.Equal(t, h, Get8BytesHash("s3cret"))
	assert.NotEqual(t, h, Get8BytesHash("other"))
}
