package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/forgeci/control_plane/auth"
)

func newRouter(signer *auth.Signer, roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS())
	r.GET("/x", RequireToken(signer, roles...), func(c *gin.Context) {
		c.String(http.StatusOK, ClaimsFrom(c).Subject)
	})
	return r
}

func call(r http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireToken(t *testing.T) {
	signer := auth.NewSigner("0123456789abcdef0123456789abcdef", time.Hour)
	r := newRouter(signer, auth.RoleUser)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "garbage").Code)

	user, err := signer.Issue("alice", auth.RoleUser)
	require.NoError(t, err)
	w := call(r, http.MethodGet, user)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	agent, err := signer.Issue("A1", auth.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, agent).Code)

	admin, err := signer.Issue("root", auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, admin).Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(auth.NewSigner("", time.Hour))
	r.OPTIONS("/x", func(c *gin.Context) {})
	w := call(r, http.MethodOptions, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
