package wire

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAuthToken is the legacy token header still sent by older clients.
const HeaderAuthToken = "x-auth-token"

// ExtractToken reads the bearer token from either supported transport:
// "Authorization: Bearer <raw>" or "x-auth-token: <raw>".
// Returns the raw token and whether one was present.
func ExtractToken(c *gin.Context) (string, bool) {
	if raw := c.GetHeader(HeaderAuthToken); raw != "" {
		return raw, true
	}

	authz := c.GetHeader("Authorization")
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
