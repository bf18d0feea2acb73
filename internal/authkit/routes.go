package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const refreshCookiePath = "/api/v1/auth"

// AuthRouteDependencies are the collaborators behind /auth/*. Provider may be nil when Google is disabled.
type AuthRouteDependencies struct {
	Configuration ServerConfig
	Tokens        *TokenService
	Provider      ExternalIdentityProvider
	States        StateStore
	Logger        *zap.Logger
}

type loginRequest struct {
	Login    string `json:"login"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// MountAuthRoutes registers /auth/login, /auth/refresh, /auth/logout, /auth/change-password and the Google flow.
func MountAuthRoutes(router gin.IRouter, dependencies AuthRouteDependencies) {
	configuration := dependencies.Configuration
	tokens := dependencies.Tokens
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authGroup := router.Group("/auth")

	authGroup.POST("/login", func(contextGin *gin.Context) {
		var inbound loginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		login := firstNonEmpty(inbound.Login, inbound.Username, inbound.Email)
		result, err := tokens.Login(contextGin.Request.Context(), login, inbound.Password)
		if err != nil {
			respondAuthError(contextGin, logger, "auth.login", err)
			return
		}
		writeSessionCookies(contextGin, configuration, result.Tokens)
		contextGin.JSON(http.StatusOK, gin.H{
			"user":   result.Profile,
			"tokens": result.Tokens,
		})
	})

	authGroup.POST("/refresh", func(contextGin *gin.Context) {
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		refreshToken := refreshTokenFromRequest(contextGin, configuration)
		pair, err := tokens.Refresh(contextGin.Request.Context(), refreshToken)
		if err != nil {
			if errors.Is(err, ErrTokenReuseDetected) {
				clearSessionCookies(contextGin, configuration)
			}
			respondAuthError(contextGin, logger, "auth.refresh", err)
			return
		}
		writeSessionCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusOK, gin.H{"tokens": pair})
	})

	authGroup.POST("/logout", func(contextGin *gin.Context) {
		identityID := ""
		if principal, err := tokens.Authenticate(accessTokenFromRequest(contextGin, configuration)); err == nil {
			identityID = principal.IdentityID
		} else if subject, subjectErr := tokens.RefreshTokenSubject(contextGin.Request.Context(), refreshTokenFromRequest(contextGin, configuration)); subjectErr == nil {
			identityID = subject
		}
		clearSessionCookies(contextGin, configuration)
		if identityID == "" {
			RespondError(contextGin, ErrUnauthenticated)
			return
		}
		if err := tokens.Logout(contextGin.Request.Context(), identityID); err != nil {
			respondAuthError(contextGin, logger, "auth.logout", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	authGroup.POST("/change-password", RequireSession(tokens, configuration), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		var inbound changePasswordRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if err := tokens.ChangePassword(contextGin.Request.Context(), principal.IdentityID, inbound.CurrentPassword, inbound.NewPassword); err != nil {
			respondAuthError(contextGin, logger, "auth.change_password", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	authGroup.GET("/google", func(contextGin *gin.Context) {
		if dependencies.Provider == nil || dependencies.States == nil {
			RespondError(contextGin, ErrNotFound)
			return
		}
		state, err := dependencies.States.Issue(contextGin.Request.Context())
		if err != nil {
			logger.Error("oauth state issue failed", zap.String("code", "auth.google.state_failed"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Redirect(http.StatusFound, dependencies.Provider.AuthorizationURL(state))
	})

	authGroup.GET("/google/callback", func(contextGin *gin.Context) {
		if dependencies.Provider == nil || dependencies.States == nil {
			RespondError(contextGin, ErrNotFound)
			return
		}
		if !requireHTTPS(contextGin, configuration) {
			return
		}
		if err := dependencies.States.Consume(contextGin.Request.Context(), contextGin.Query("state")); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
			return
		}
		external, err := dependencies.Provider.ExchangeCode(contextGin.Request.Context(), code)
		if err != nil {
			logger.Warn("google code exchange failed", zap.String("code", "auth.google.exchange_failed"), zap.Error(err))
			RespondError(contextGin, ErrInvalidCredential)
			return
		}
		result, err := tokens.LoginExternal(contextGin.Request.Context(), external)
		if err != nil {
			respondAuthError(contextGin, logger, "auth.google", err)
			return
		}
		writeSessionCookies(contextGin, configuration, result.Tokens)
		contextGin.JSON(http.StatusOK, gin.H{
			"user":   result.Profile,
			"tokens": result.Tokens,
		})
	})
}

func respondAuthError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	status, _ := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("auth request failed", zap.String("code", code+".failed"), zap.Error(err))
	} else {
		logger.Debug("auth request rejected", zap.String("code", code+".rejected"), zap.Error(err))
	}
	RespondError(contextGin, err)
}

func requireHTTPS(contextGin *gin.Context, configuration ServerConfig) bool {
	if configuration.AllowInsecureHTTP || isHTTPS(contextGin.Request) {
		return true
	}
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
	return false
}

func refreshTokenFromRequest(contextGin *gin.Context, configuration ServerConfig) string {
	if cookie, err := contextGin.Request.Cookie(configuration.RefreshCookieName); err == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value)
	}
	var inbound refreshRequest
	if contextGin.Request.Body != nil && contextGin.Request.ContentLength != 0 {
		if err := contextGin.ShouldBindJSON(&inbound); err == nil {
			return strings.TrimSpace(inbound.RefreshToken)
		}
	}
	return ""
}

func writeSessionCookies(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	writeCookie(contextGin, configuration, configuration.AccessCookieName, "/", pair.AccessToken, pair.AccessExpiresAt)
	writeCookie(contextGin, configuration, configuration.RefreshCookieName, refreshCookiePath, pair.RefreshToken, pair.RefreshExpiresAt)
}

func writeCookie(contextGin *gin.Context, configuration ServerConfig, name string, path string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearSessionCookies(contextGin *gin.Context, configuration ServerConfig) {
	clearCookie(contextGin, configuration.AccessCookieName, "/", configuration.CookieDomain, configuration.SameSiteMode)
	clearCookie(contextGin, configuration.RefreshCookieName, refreshCookiePath, configuration.CookieDomain, configuration.SameSiteMode)
}

func clearCookie(contextGin *gin.Context, name string, path string, domain string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   domain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
