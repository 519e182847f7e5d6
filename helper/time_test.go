package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTTL(t *testing.T) {
	assert.Equal(t, "2.5h", FormatTTL(150*time.Minute))
	assert.Equal(t, "30.0m", FormatTTL(30*time.Minute))
	assert.Equal(t, "45.0s", FormatTTL(45*time.Second))
	assert.Equal(t, "500ms", FormatTTL(500*time.Millisecond))
}
