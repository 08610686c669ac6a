package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "Mozilla/5.0", SanitizeInput("  Mozilla/5.0  "))
	assert.Equal(t, "&lt;b&gt;bold&lt;/b&gt;", SanitizeInput("<b>bold</b>"))
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("device-${jndi:ldap}"))
	assert.True(t, ContainsSuspicious("img onerror=x"))
	assert.False(t, ContainsSuspicious("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.False(t, ContainsSuspicious("pixel-8-pro"))
}
