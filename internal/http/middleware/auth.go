package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/dalston/internal/platform/ctxutil"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// AuthMiddleware enforces the minimal bearer/api-key contract: a JWT signed
// with the configured API key, carrying an optional tenant_id claim. Shaped
// after AuthMiddleware.RequireAuth()'s query-param-or-header extraction
// pattern, rebuilt around a shared-secret JWT instead of a user/session
// token store, since this gateway has no user accounts — only
// tenant-scoped API access.
type AuthMiddleware struct {
	log    *logger.Logger
	apiKey string
}

func NewAuthMiddleware(log *logger.Logger, apiKey string) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware"), apiKey: apiKey}
}

// RequireAuth rejects requests lacking a valid bearer token. If no API key is
// configured, auth is a no-op (local/dev default) — callers deploying for
// real traffic are expected to set API_KEY.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.apiKey == "" {
			c.Next()
			return
		}
		tenantID, err := am.authenticate(extractToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": err.Error(), "code": "unauthorized"},
			})
			return
		}
		ctx := ctxutil.WithTenantID(c.Request.Context(), tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (am *AuthMiddleware) authenticate(tokenString string) (uuid.UUID, error) {
	if tokenString == "" {
		return uuid.Nil, jwt.ErrTokenMalformed
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(am.apiKey), nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if raw, ok := claims["tenant_id"].(string); ok && raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id, nil
		}
	}
	return uuid.Nil, nil
}

// extractToken pulls a bearer token from the Authorization header, or — for
// the WebSocket upgrade path, which can't set custom headers from a browser
// — the api_key query parameter.
func extractToken(c *gin.Context) string {
	if q := c.Query("api_key"); q != "" {
		return q
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
