package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
)

const (
	sessionRoleKey = "session_role"
	RoleAdmin      = "admin"
)

// SessionMiddleware resolves the "token" header against the session hash the login
// service keeps in Redis under "Token:<token>" (fields username, business_id, role).
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		session, err := rdb.HGetAll(c.Request.Context(), "Token:"+token).Result()
		if err != nil || len(session) == 0 || session["business_id"] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetUsernameInContext(c.Request.Context(), session["username"])
		ctx = utils.SetBusinessIdInContext(ctx, session["business_id"])
		c.Request = c.Request.WithContext(ctx)
		c.Set(sessionRoleKey, session["role"])
		c.Next()
	}
}

// AdminOnly must run after SessionMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(sessionRoleKey) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
