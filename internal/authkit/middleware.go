package authkit

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/notify/pkg/sessionvalidator"
)

const principalContextKey = "auth_principal"

// RequireSession authenticates the bearer header or access cookie and injects the Principal.
func RequireSession(tokens *TokenService, configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, err := tokens.Authenticate(accessTokenFromRequest(contextGin, configuration))
		if err != nil {
			RespondError(contextGin, err)
			return
		}
		contextGin.Set(principalContextKey, principal)
		contextGin.Next()
	}
}

// RequireRoles must run after RequireSession; callers outside the set receive 403.
func RequireRoles(roles ...Role) gin.HandlerFunc {
	allowed := NewRoleSet(roles...)
	return func(contextGin *gin.Context) {
		principal, ok := PrincipalFromContext(contextGin)
		if !ok {
			RespondError(contextGin, ErrUnauthenticated)
			return
		}
		if !Allow(principal, allowed) {
			RespondError(contextGin, fmt.Errorf("role_guard %q: %w", principal.Role, ErrForbidden))
			return
		}
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal injected by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

func accessTokenFromRequest(contextGin *gin.Context, configuration ServerConfig) string {
	if bearer := sessionvalidator.BearerToken(contextGin.Request); bearer != "" {
		return bearer
	}
	cookie, err := contextGin.Request.Cookie(configuration.AccessCookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
