package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Verify(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should accept the configured secret", func(t *testing.T) {
		assert.True(t, auth.Verify("test-secret"))
	})

	t.Run("should reject a wrong secret", func(t *testing.T) {
		assert.False(t, auth.Verify("wrong-secret"))
		assert.False(t, auth.Verify(""))
	})

	t.Run("should admit everything when disabled", func(t *testing.T) {
		open := NewAuthHandler("")
		assert.False(t, open.Enabled())
		assert.True(t, open.Verify(""))
	})
}

func TestAuthHandler_Authorize(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, auth.Authorize(req))

	req.Header.Set(SecretHeader, "test-secret")
	assert.True(t, auth.Authorize(req))
}
