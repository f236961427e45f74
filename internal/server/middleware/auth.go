package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jianjunlu/claude-relay-service/internal/config"
	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/pkg/auth"
)

const apiKeyContextKey = "relay_api_key"

// APIKey is the resolved identity of an authenticated request.
type APIKey struct {
	ID          string
	Permissions []string
	Models      []string
}

// HasPermission reports whether the key carries the named permission or the
// "all" wildcard.
func (k APIKey) HasPermission(name string) bool {
	for _, p := range k.Permissions {
		if p == name || p == "all" {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the key may request the model. An empty
// restriction list allows everything.
func (k APIKey) AllowsModel(model string) bool {
	if len(k.Models) == 0 {
		return true
	}
	for _, m := range k.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Auth authenticates requests against static tokens from the config and,
// failing that, JWT API keys.
type Auth struct {
	jwtManager *auth.JWTManager

	mu   sync.RWMutex
	keys map[string]config.APIKey // token -> key
}

func NewAuth(jwtManager *auth.JWTManager, keys []config.APIKey) *Auth {
	a := &Auth{jwtManager: jwtManager}
	a.SetKeys(keys)
	return a
}

// SetKeys swaps the static key set on config reload.
func (a *Auth) SetKeys(keys []config.APIKey) {
	m := make(map[string]config.APIKey, len(keys))
	for _, k := range keys {
		if k.Token != "" {
			m[k.Token] = k
		}
	}
	a.mu.Lock()
	a.keys = m
	a.mu.Unlock()
}

// Handler returns the gin middleware enforcing authentication.
func (a *Auth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abortUnauthorized(c, "missing API key")
			return
		}

		a.mu.RLock()
		static, ok := a.keys[token]
		a.mu.RUnlock()
		if ok {
			c.Set(apiKeyContextKey, APIKey{
				ID:          static.ID,
				Permissions: static.Permissions,
				Models:      static.Models,
			})
			c.Next()
			return
		}

		if a.jwtManager != nil {
			claims, err := a.jwtManager.ValidateAPIKey(token)
			if err == nil {
				c.Set(apiKeyContextKey, APIKey{
					ID:          claims.Subject,
					Permissions: claims.Permissions,
					Models:      claims.Models,
				})
				c.Next()
				return
			}
			logrus.Debugf("JWT validation failed: %v", err)
		}
		abortUnauthorized(c, "invalid API key")
	}
}

// GetAPIKey returns the authenticated key set by Handler.
func GetAPIKey(c *gin.Context) (APIKey, bool) {
	v, ok := c.Get(apiKeyContextKey)
	if !ok {
		return APIKey{}, false
	}
	key, ok := v.(APIKey)
	return key, ok
}

func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized,
		protocol.NewErrorResponse(protocol.ErrorTypeAuthentication, message))
}
