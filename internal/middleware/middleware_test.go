package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"card_store/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRedisRateLimitPerClient(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	log := testutil.Logger(t)

	r := gin.New()
	r.Use(AccessLog(log))
	r.POST("/pay", RedisRateLimit(rdb, "payment_init", 3, time.Minute, log), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/pay", nil).Code)
	}
	w := serve(r, http.MethodPost, "/pay", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "请求过于频繁")

	other := http.Header{"X-Forwarded-For": {"203.0.113.9"}}
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/pay", other).Code)
}

func TestRedisRateLimitFailsOpen(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	log := testutil.Logger(t)
	mr.Close()

	r := gin.New()
	r.GET("/x", RedisRateLimit(rdb, "x", 1, time.Minute, log), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/x", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/x", nil).Code)
}

func TestAdminToken(t *testing.T) {
	r := gin.New()
	r.GET("/admin", AdminToken("secret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", http.Header{"X-Admin-Token": {"nope"}}).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/admin", http.Header{"X-Admin-Token": {"secret"}}).Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(testutil.Logger(t)))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
