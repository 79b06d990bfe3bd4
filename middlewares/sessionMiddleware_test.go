package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func sessionRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	config.UseRedisClient(client)
	t.Cleanup(func() {
		config.UseRedisClient(nil)
		_ = client.Close()
	})

	r := gin.New()
	r.GET("/whoami", SessionMiddleware(), func(c *gin.Context) {
		biz, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		user, _ := utils.GetUsernameFromContext(c.Request.Context())
		c.String(http.StatusOK, biz+"|"+user)
	})
	r.GET("/ops", SessionMiddleware(), AdminOnly(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, mr
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("token", token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestSessionMiddlewareResolvesToken(t *testing.T) {
	r, mr := sessionRouter(t)
	mr.HSet("Token:abc", "username", "clerk@market", "business_id", "biz-42", "role", "clerk")

	w := get(r, "/whoami", "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "biz-42|clerk@market", w.Body.String())
}

func TestSessionMiddlewareRejects(t *testing.T) {
	r, mr := sessionRouter(t)
	mr.HSet("Token:nobiz", "username", "someone")

	assert.Equal(t, http.StatusUnauthorized, get(r, "/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/whoami", "missing").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/whoami", "nobiz").Code)
}

func TestAdminOnly(t *testing.T) {
	r, mr := sessionRouter(t)
	mr.HSet("Token:clerk", "username", "c", "business_id", "biz-1", "role", "clerk")
	mr.HSet("Token:admin", "username", "a", "business_id", "biz-1", "role", RoleAdmin)

	assert.Equal(t, http.StatusForbidden, get(r, "/ops", "clerk").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ops", "admin").Code)
}

func TestSessionMiddlewareWithoutRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config.UseRedisClient(nil)
	r := gin.New()
	r.GET("/whoami", SessionMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/whoami", "abc").Code)
}
