package web

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.empty_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS allows credentialed cross-origin requests from explicit origins only.
// Session cookies must then be issued with SameSite=None.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins normalizes origins to scheme://host, keeping configuration order and dropping duplicates.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	sanitized := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		if strings.TrimSpace(origin) == "" {
			continue
		}
		normalized, insecure, err := normalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		if insecure {
			logger.Warn("plain http cors origin outside localhost",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}
	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return sanitized, nil
}

// normalizeOrigin reports whether the origin is plain http on a non-loopback host.
func normalizeOrigin(origin string) (string, bool, error) {
	trimmed := strings.TrimSpace(origin)
	if trimmed == "*" {
		return "", false, errWildcardOrigin
	}
	parsed, parseErr := url.Parse(trimmed)
	switch {
	case parseErr != nil, parsed.Host == "":
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	case strings.Trim(parsed.Path, "/") != "", parsed.RawQuery != "", parsed.Fragment != "", parsed.User != nil:
		return "", false, fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	host := strings.ToLower(parsed.Host)
	insecure := scheme == "http" && !isLoopbackHost(parsed.Hostname())
	return scheme + "://" + host, insecure, nil
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
