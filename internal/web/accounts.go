// Package web exposes the account and post services over gin.
package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/notify/internal/accounts"
	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

// AccountRouteDependencies are the collaborators behind /users/*.
type AccountRouteDependencies struct {
	Configuration authkit.ServerConfig
	Tokens        *authkit.TokenService
	Accounts      *accounts.Service
	Logger        *zap.Logger
}

type updateRoleRequest struct {
	Login    string `json:"login"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// MountAccountRoutes registers /users/me, /users/register, /users/all-usernames and /users/update-user-role.
func MountAccountRoutes(router gin.IRouter, dependencies AccountRouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := dependencies.Accounts
	usersGroup := router.Group("/users", authkit.RequireSession(dependencies.Tokens, dependencies.Configuration))

	usersGroup.GET("/me", func(contextGin *gin.Context) {
		principal, _ := authkit.PrincipalFromContext(contextGin)
		profile, err := dependencies.Tokens.Profile(contextGin.Request.Context(), principal.IdentityID)
		if err != nil {
			respondError(contextGin, logger, "api.me", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	})

	usersGroup.PATCH("/me", func(contextGin *gin.Context) {
		var inbound accounts.DetailsUpdate
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		principal, _ := authkit.PrincipalFromContext(contextGin)
		profile, err := service.UpdateDetails(contextGin.Request.Context(), principal.IdentityID, inbound)
		if err != nil {
			respondError(contextGin, logger, "api.me.update", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	})

	adminOnly := authkit.RequireRoles(authkit.RoleAdmin)

	usersGroup.POST("/register", adminOnly, func(contextGin *gin.Context) {
		var inbound accounts.Registration
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		profile, err := service.Register(contextGin.Request.Context(), inbound)
		if err != nil {
			respondError(contextGin, logger, "api.users.register", err)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"user": profile})
	})

	usersGroup.GET("/all-usernames", adminOnly, func(contextGin *gin.Context) {
		usernames, err := service.Usernames(contextGin.Request.Context())
		if err != nil {
			respondError(contextGin, logger, "api.users.usernames", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"usernames": usernames})
	})

	usersGroup.POST("/update-user-role", adminOnly, func(contextGin *gin.Context) {
		var inbound updateRoleRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		login := firstNonEmpty(inbound.Login, inbound.Username, inbound.Email)
		profile, err := service.UpdateRole(contextGin.Request.Context(), login, authkit.Role(inbound.Role))
		if err != nil {
			respondError(contextGin, logger, "api.users.update_role", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
