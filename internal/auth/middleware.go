package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextUser is the gin context key holding the authenticated User.
const ContextUser = "gw.user"

// Gin returns a middleware that requires basic credentials and rejects
// writes from viewers.
func (s *Service) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="gridwarden"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		u, err := s.Authenticate(username, password)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="gridwarden"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if !Allowed(u.Role, c.Request.Method) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + string(u.Role) + " may not " + c.Request.Method})
			return
		}
		c.Set(ContextUser, u)
		c.Next()
	}
}
