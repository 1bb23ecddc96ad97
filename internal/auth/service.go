// Package auth verifies the fixed credential pair the server is started
// with. The scheme itself (HTTP Basic for REST, in-band messages or an
// upgrade-time query parameter for WebSocket) is an external given.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stevedore-sh/stevedore/pkg/config"
)

// Service checks presented credentials against the configured pair.
type Service struct {
	username string
	password string
}

// NewService creates an auth service from configuration.
func NewService(cfg *config.AuthConfig) *Service {
	return &Service{username: cfg.Username, password: cfg.Password}
}

// Verify reports whether the presented credentials match. Both comparisons
// run in constant time.
func (s *Service) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	return userOK && passOK
}

// VerifyEncoded checks a base64-encoded "username:password" value, the form
// carried both by Basic Authorization headers and by the WebSocket upgrade
// query parameter.
func (s *Service) VerifyEncoded(encoded string) bool {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return false
	}
	return s.Verify(username, password)
}

// BasicMiddleware enforces HTTP Basic authentication. The WWW-Authenticate
// challenge is only sent when the client supplied no Authorization header
// at all; when credentials were presented and rejected, omitting it keeps
// browsers from raising their built-in dialog over a frontend that handles
// auth itself.
func BasicMiddleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Basic ") {
			if svc.VerifyEncoded(strings.TrimPrefix(authHeader, "Basic ")) {
				c.Next()
				return
			}
		}

		if authHeader == "" {
			c.Header("WWW-Authenticate", `Basic realm="File Manager", charset="UTF-8"`)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "unauthorized",
		})
	}
}
