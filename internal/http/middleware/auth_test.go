package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

func authTestRouter(t *testing.T, am *AuthMiddleware) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(am.RequireAuth())
	r.GET("/api/runs/abc", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func serveAuth(t *testing.T, r *gin.Engine, header string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/abc", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireAuthStaticToken(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	am := &AuthMiddleware{log: log, staticToken: "svc-secret"}
	r := authTestRouter(t, am)

	if code := serveAuth(t, r, "Bearer svc-secret"); code != http.StatusOK {
		t.Errorf("valid static token: status = %d", code)
	}
	if code := serveAuth(t, r, "Bearer wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", code)
	}
	if code := serveAuth(t, r, ""); code != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d", code)
	}
	if code := serveAuth(t, r, "svc-secret"); code != http.StatusUnauthorized {
		t.Errorf("non-bearer header: status = %d", code)
	}
}

func TestRequireAuthJWT(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	secret := []byte("jwt-signing-secret")
	am := &AuthMiddleware{log: log, jwtSecret: secret}
	r := authTestRouter(t, am)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "story-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := serveAuth(t, r, "Bearer "+signed); code != http.StatusOK {
		t.Errorf("valid jwt: status = %d", code)
	}

	badSigned, err := token.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := serveAuth(t, r, "Bearer "+badSigned); code != http.StatusUnauthorized {
		t.Errorf("wrong signature: status = %d", code)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "story-service",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	expiredSigned, err := expired.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := serveAuth(t, r, "Bearer "+expiredSigned); code != http.StatusUnauthorized {
		t.Errorf("expired jwt: status = %d", code)
	}
}
