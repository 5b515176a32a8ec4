package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer() *Issuer {
	return NewIssuer("test-secret", time.Hour, 24*time.Hour)
}

func TestIssuePairAndValidate(t *testing.T) {
	issuer := newTestIssuer()

	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.ExpiresAt.After(time.Now()))

	claims, err := issuer.Validate(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
}

func TestValidateRejectsWrongType(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	_, err = issuer.Validate(pair.RefreshToken, TokenTypeAccess)
	assert.Error(t, err)
	_, err = issuer.Validate(pair.AccessToken, TokenTypeRefresh)
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	pair, err := newTestIssuer().IssuePair("user-1")
	require.NoError(t, err)

	other := NewIssuer("other-secret", time.Hour, 24*time.Hour)
	_, err = other.Validate(pair.AccessToken, TokenTypeAccess)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer("test-secret", -time.Minute, 24*time.Hour)
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	_, err = issuer.Validate(pair.AccessToken, TokenTypeAccess)
	assert.Error(t, err)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	renewed, err := issuer.Refresh(pair.RefreshToken)
	require.NoError(t, err)

	claims, err := issuer.Validate(renewed.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	_, err = issuer.Refresh(pair.AccessToken)
	assert.Error(t, err)
}

func middlewareRouter(issuer *Issuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", Middleware(issuer), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c)})
	})
	return r
}

func TestMiddlewareAcceptsHeaderToken(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	middlewareRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami?token="+pair.AccessToken, nil)
	w := httptest.NewRecorder()
	middlewareRouter(issuer).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	issuer := newTestIssuer()
	r := middlewareRouter(issuer)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
