package mw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// UserHeader carries the id of the user the caller has already authenticated.
const UserHeader = "X-User-ID"

const actingUserKey = "acting_user"

// Identity reads the acting user from UserHeader. Authentication and
// permission checks happen upstream; requests without a usable id are
// rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + UserHeader})
			return
		}
		c.Set(actingUserKey, id)
		c.Next()
	}
}

// ActingUser returns the id stored by Identity, or 0.
func ActingUser(c *gin.Context) int64 {
	return c.GetInt64(actingUserKey)
}
