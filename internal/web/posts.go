package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/notify/internal/authkit"
	"github.com/tyemirov/notify/internal/content"
	"go.uber.org/zap"
)

// PostRouteDependencies are the collaborators behind /posts/*.
type PostRouteDependencies struct {
	Configuration authkit.ServerConfig
	Tokens        *authkit.TokenService
	Posts         *content.Service
	Logger        *zap.Logger
}

// MountPostRoutes registers the post routes. Every route needs a session; writes need admin or member.
func MountPostRoutes(router gin.IRouter, dependencies PostRouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := dependencies.Posts
	postsGroup := router.Group("/posts", authkit.RequireSession(dependencies.Tokens, dependencies.Configuration))
	writers := authkit.RequireRoles(authkit.RoleAdmin, authkit.RoleMember)

	postsGroup.POST("", writers, func(contextGin *gin.Context) {
		var inbound content.Draft
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		principal, _ := authkit.PrincipalFromContext(contextGin)
		profile, err := dependencies.Tokens.Profile(contextGin.Request.Context(), principal.IdentityID)
		if err != nil {
			respondError(contextGin, logger, "api.posts.create", err)
			return
		}
		post, err := service.Create(contextGin.Request.Context(), content.Author{ID: profile.ID, Username: profile.Username}, inbound)
		if err != nil {
			respondError(contextGin, logger, "api.posts.create", err)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"post": post})
	})

	postsGroup.GET("", func(contextGin *gin.Context) {
		posts, err := service.ListAll(contextGin.Request.Context())
		if err != nil {
			respondError(contextGin, logger, "api.posts.list", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"posts": posts})
	})

	postsGroup.GET("/:username", func(contextGin *gin.Context) {
		posts, err := service.ListByOwner(contextGin.Request.Context(), contextGin.Param("username"))
		if err != nil {
			respondError(contextGin, logger, "api.posts.list_by_owner", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"posts": posts})
	})

	postsGroup.GET("/:username/:number", func(contextGin *gin.Context) {
		number, err := postNumber(contextGin)
		if err != nil {
			respondError(contextGin, logger, "api.posts.get", err)
			return
		}
		post, err := service.Get(contextGin.Request.Context(), contextGin.Param("username"), number)
		if err != nil {
			respondError(contextGin, logger, "api.posts.get", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"post": post})
	})

	postsGroup.PATCH("/:username/:number", writers, func(contextGin *gin.Context) {
		number, err := postNumber(contextGin)
		if err != nil {
			respondError(contextGin, logger, "api.posts.update", err)
			return
		}
		var inbound content.Draft
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		principal, _ := authkit.PrincipalFromContext(contextGin)
		post, err := service.Update(contextGin.Request.Context(), principal.IdentityID, contextGin.Param("username"), number, inbound)
		if err != nil {
			respondError(contextGin, logger, "api.posts.update", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"post": post})
	})

	postsGroup.DELETE("/:username/:number", writers, func(contextGin *gin.Context) {
		number, err := postNumber(contextGin)
		if err != nil {
			respondError(contextGin, logger, "api.posts.delete", err)
			return
		}
		principal, _ := authkit.PrincipalFromContext(contextGin)
		if err := service.Delete(contextGin.Request.Context(), principal.IdentityID, contextGin.Param("username"), number); err != nil {
			respondError(contextGin, logger, "api.posts.delete", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func postNumber(contextGin *gin.Context) (int64, error) {
	number, err := strconv.ParseInt(contextGin.Param("number"), 10, 64)
	if err != nil || number < 1 {
		return 0, fmt.Errorf("posts.number %q: %w", contextGin.Param("number"), authkit.ErrInvalidInput)
	}
	return number, nil
}
