package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/config"
)

const testSecret = "test-secret"

func protectedRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", AuthMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString(subjectContextKey)})
	})
	return r
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := generateToken("admin", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)

	subject, err := parseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := generateToken("admin", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = parseToken(token, "other-secret")
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := generateToken("admin", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = parseToken(token, testSecret)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	router := protectedRouter(testSecret)
	valid, err := generateToken("admin", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"malformed token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"case insensitive scheme", "bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func authServer(adminUser, adminPass string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := &Server{Cfg: &config.Config{
		JWTSecret: testSecret,
		AdminUser: adminUser,
		AdminPass: adminPass,
	}}
	r := gin.New()
	r.POST("/auth/token", s.issueToken)
	return r
}

func TestIssueToken(t *testing.T) {
	router := authServer("admin", "hunter2")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid credentials", `{"username":"admin","password":"hunter2"}`, http.StatusOK},
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong username", `{"username":"root","password":"hunter2"}`, http.StatusUnauthorized},
		{"malformed payload", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), "token")
			}
		})
	}
}

func TestIssueTokenDisabledWithoutPassword(t *testing.T) {
	router := authServer("admin", "")

	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"username":"admin","password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_DISABLED")
}
