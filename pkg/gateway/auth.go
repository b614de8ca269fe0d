package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the gateway shared secret.
const SecretHeader = "X-Finagent-Secret"

// AuthHandler checks the shared secret on incoming HTTP requests.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a handler. An empty secret admits every request.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares the presented secret in constant time.
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authorize checks the secret header of r.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	return a.Verify(r.Header.Get(SecretHeader))
}
