package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rently/internal/shared/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret"},
	}
}

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newAuthRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/protected", JWTAuthWithConfig(cfg), func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no user id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return engine
}

func request(engine *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestJWTAuthAcceptsValidAccessToken(t *testing.T) {
	cfg := testConfig()
	engine := newAuthRouter(cfg)

	token := mintToken(t, cfg.JWT.Secret, jwt.MapClaims{
		"user_id": "u1",
		"email":   "user@example.com",
		"type":    "access",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	w := request(engine, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u1"`)
}

func TestJWTAuthRejectsMissingHeader(t *testing.T) {
	w := request(newAuthRouter(testConfig()), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRejectsWrongScheme(t *testing.T) {
	w := request(newAuthRouter(testConfig()), "Basic abc123")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRejectsWrongSecret(t *testing.T) {
	cfg := testConfig()
	engine := newAuthRouter(cfg)

	token := mintToken(t, "other-secret", jwt.MapClaims{
		"user_id": "u1",
		"type":    "access",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	w := request(engine, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRejectsExpiredToken(t *testing.T) {
	cfg := testConfig()
	engine := newAuthRouter(cfg)

	token := mintToken(t, cfg.JWT.Secret, jwt.MapClaims{
		"user_id": "u1",
		"type":    "access",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})

	w := request(engine, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRejectsNonAccessToken(t *testing.T) {
	cfg := testConfig()
	engine := newAuthRouter(cfg)

	token := mintToken(t, cfg.JWT.Secret, jwt.MapClaims{
		"user_id": "u1",
		"type":    "refresh",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	w := request(engine, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserIDMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := UserID(c)
	assert.False(t, ok)

	c.Set("user_id", "")
	_, ok = UserID(c)
	assert.False(t, ok, "an empty user id is not an identity")
}
