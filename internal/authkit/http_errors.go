package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorStatus maps the error taxonomy to an HTTP status and a stable response code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTokenReuseDetected):
		return http.StatusUnauthorized, "token_reuse_detected"
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrUnprovisionedAccount):
		return http.StatusForbidden, "unprovisioned_account"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidRole):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrIdentityExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// RespondError aborts the request with the mapped status and {"error": code}.
func RespondError(contextGin *gin.Context, err error) {
	status, code := ErrorStatus(err)
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}
