package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mythoria-pt/story-generation-workflow/internal/platform/envutil"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// AuthMiddleware guards the trigger API. Callers are other services, so two
// credentials are accepted: the shared static token (SERVICE_API_TOKEN) or
// an HS256 JWT signed with JWT_SIGNING_SECRET.
type AuthMiddleware struct {
	log         *logger.Logger
	staticToken string
	jwtSecret   []byte
}

func NewAuthMiddleware(log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		log:         log.With("Middleware", "AuthMiddleware"),
		staticToken: envutil.String("SERVICE_API_TOKEN", ""),
		jwtSecret:   []byte(envutil.String("JWT_SIGNING_SECRET", "")),
	}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		if err := am.validate(token); err != nil {
			am.log.Warn("rejected request", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func (am *AuthMiddleware) validate(token string) error {
	if am.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(am.staticToken)) == 1 {
		return nil
	}
	if len(am.jwtSecret) == 0 {
		return fmt.Errorf("no credential matched")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return am.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
