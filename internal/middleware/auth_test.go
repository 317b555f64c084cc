package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"debate_engine/internal/utils"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), AuthMiddleware())
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":    c.GetUint("userID"),
			"role":       c.GetString("userRole"),
			"request_id": c.GetString("requestID"),
		})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	utils.SetSecret("test-secret")
	r := newAuthRouter()
	token, err := utils.GenerateToken(7, "debater")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"BearerHeader", "Bearer " + token, "", http.StatusOK},
		{"QueryToken", "", "?token=" + token, http.StatusOK},
		{"Missing", "", "", http.StatusUnauthorized},
		{"WrongScheme", "Token " + token, "", http.StatusUnauthorized},
		{"Garbage", "Bearer not-a-jwt", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				require.JSONEq(t, `{"user_id":7,"role":"debater","request_id":"`+w.Header().Get("X-Request-ID")+`"}`, w.Body.String())
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "7b0e3c1a-5f4e-4f43-9a2b-0d9c2f1e8a61")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "7b0e3c1a-5f4e-4f43-9a2b-0d9c2f1e8a61", w.Header().Get("X-Request-ID"))

	// 不是 UUID 的值會被換掉
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.NotEqual(t, "abc-123", w.Header().Get("X-Request-ID"))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
