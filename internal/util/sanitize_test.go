package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "0812345678", SanitizeInput("  0812345678 "))
	assert.Equal(t, "&lt;b&gt;", SanitizeInput("<b>"))
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.False(t, ContainsSuspicious("+66 81 234 5678"))
}
