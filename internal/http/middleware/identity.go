package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const callerIDKey = "callerID"

// CallerHeader carries the authenticated user id injected by the API gateway.
// Authentication itself happens upstream; this service only trusts the header.
const CallerHeader = "X-User-ID"

// Identity rejects requests that arrive without a gateway-asserted caller.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(CallerHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthenticated",
				"error_description": "Caller identity required.",
			})
			return
		}
		c.Set(callerIDKey, userID)
		c.Next()
	}
}

// CallerID returns the authenticated user id attached by Identity.
func CallerID(c *gin.Context) (string, bool) {
	value, ok := c.Get(callerIDKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
