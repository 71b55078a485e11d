package wire

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// Role is the platform-wide user role carried by access tokens.
type Role string

const (
	RoleStudent   Role = "Student"
	RoleTeacher   Role = "Teacher"
	RoleModerator Role = "Moderator"
	RoleAdmin     Role = "Admin"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Role   Role
}

// TokenParser verifies a raw access token and returns the caller identity.
// Implementations must return ErrTokenExpired for expired-but-otherwise-valid
// tokens so the boundary can distinguish refresh-eligible failures.
type TokenParser interface {
	ParseAccessToken(raw string) (Identity, error)
}

// ErrTokenExpired marks an expired access token; only this failure is
// eligible for the refresh flow.
var ErrTokenExpired = errors.New("token expired")

const identityKey = "wire.identity"

// Authenticate extracts and verifies the access token, storing the caller
// identity in the gin context. Missing, invalid, and expired tokens are
// reported with distinct messages.
func Authenticate(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := ExtractToken(c)
		if !ok {
			Fail(c, E(KindUnauthorized, "authentication token missing"))
			return
		}

		id, err := parser.ParseAccessToken(raw)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				Fail(c, E(KindUnauthorized, "authentication token expired"))
				return
			}
			Fail(c, E(KindUnauthorized, "authentication token invalid"))
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// CallerIdentity returns the identity stored by Authenticate.
func CallerIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func requireRoles(c *gin.Context, allowed ...Role) {
	id, ok := CallerIdentity(c)
	if !ok {
		Fail(c, E(KindUnauthorized, "authentication required"))
		return
	}
	for _, r := range allowed {
		if id.Role == r {
			c.Next()
			return
		}
	}
	Fail(c, E(KindForbidden, "insufficient role"))
}

// RequireAdmin allows exactly Admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) { requireRoles(c, RoleAdmin) }
}

// RequireModerator allows Moderator and Admin.
func RequireModerator() gin.HandlerFunc {
	return func(c *gin.Context) { requireRoles(c, RoleModerator, RoleAdmin) }
}

// RequireTeacher allows Teacher and Admin.
func RequireTeacher() gin.HandlerFunc {
	return func(c *gin.Context) { requireRoles(c, RoleTeacher, RoleAdmin) }
}

// RequireSelfOrAdmin rejects callers that are neither admin nor the subject
// of the given path parameter.
func RequireSelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := CallerIdentity(c)
		if !ok {
			Fail(c, E(KindUnauthorized, "authentication required"))
			return
		}
		if id.Role == RoleAdmin || id.UserID == c.Param(param) {
			c.Next()
			return
		}
		Fail(c, E(KindForbidden, "not allowed to access another user's resource"))
	}
}
