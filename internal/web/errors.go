package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/notify/internal/accounts"
	"github.com/tyemirov/notify/internal/authkit"
	"github.com/tyemirov/notify/internal/content"
	"go.uber.org/zap"
)

// errorStatus extends authkit.ErrorStatus with account and post errors.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, accounts.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, accounts.ErrRoleUnchanged):
		return http.StatusConflict, "role_unchanged"
	case errors.Is(err, accounts.ErrWeakPassword):
		return http.StatusBadRequest, "weak_password"
	case errors.Is(err, content.ErrPostNotFound):
		return http.StatusNotFound, "post_not_found"
	case errors.Is(err, content.ErrTitleTaken):
		return http.StatusConflict, "title_taken"
	default:
		return authkit.ErrorStatus(err)
	}
}

func respondError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	status, errorCode := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", code+".failed"), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", code+".rejected"), zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": errorCode})
}
