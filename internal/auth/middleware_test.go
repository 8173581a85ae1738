package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(a *Analysts) *gin.Engine {
	r := gin.New()
	r.GET("/secure", RequireAnalyst(a), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"analyst": AnalystID(c)})
	})
	return r
}

func do(r http.Handler, key, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	if key != "" {
		req.Header.Set(HeaderAnalystKey, key)
	}
	if id != "" {
		req.Header.Set(HeaderAnalystID, id)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAnalysts_Validate(t *testing.T) {
	a := NewAnalysts([]string{"alpha", " beta ", ""})
	assert.True(t, a.Configured())
	assert.NoError(t, a.Validate("alpha"))
	assert.NoError(t, a.Validate("Bearer beta"))
	assert.ErrorIs(t, a.Validate(""), ErrNoAnalystKey)
	assert.ErrorIs(t, a.Validate("gamma"), ErrInvalidAnalystKey)
}

func TestAnalysts_EmptyAcceptsNobody(t *testing.T) {
	a := NewAnalysts(nil)
	assert.False(t, a.Configured())
	assert.ErrorIs(t, a.Validate("anything"), ErrInvalidAnalystKey)
}

func TestRequireAnalyst(t *testing.T) {
	r := newRouter(NewAnalysts([]string{"secret"}))

	w := do(r, "secret", "analyst_001")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "analyst_001")

	assert.Equal(t, http.StatusUnauthorized, do(r, "", "analyst_001").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "wrong", "analyst_001").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "secret", "").Code)
}

func TestFingerprint(t *testing.T) {
	assert.Len(t, Fingerprint("secret"), 12)
	assert.Equal(t, Fingerprint("secret"), Fingerprint("secret"))
	assert.NotEqual(t, Fingerprint("secret"), Fingerprint("other"))
}
