package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SecurityConfig holds the browser-facing policy of the API.
type SecurityConfig struct {
	// AllowedOrigins lists dashboard origins; empty or "*" allows any.
	AllowedOrigins []string
}

// NewCORS lets the inspection dashboards call the API from another origin.
// Credentials are only allowed for explicit origin lists.
func NewCORS(config SecurityConfig) echo.MiddlewareFunc {
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestID,
		},
		ExposeHeaders:    []string{echo.HeaderXRequestID},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           600,
	})
}

// NewSecureHeaders sets headers for a JSON API that also serves scan images.
// Images may be embedded by any page, so framing is left open for /uploads/.
func NewSecureHeaders(SecurityConfig) echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		Skipper:            isUpload,
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	})
}

// NewBodyLimit rejects uploads above limit (e.g. "10M") with 413.
func NewBodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimit(limit)
}

// NewGzip compresses record listings and other JSON above 2 KiB. Metrics
// scrapes and uploaded images are left alone.
func NewGzip() echo.MiddlewareFunc {
	return middleware.GzipWithConfig(middleware.GzipConfig{
		Level:     6,
		MinLength: 2048,
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/metrics" || isUpload(c)
		},
	})
}

func isUpload(c echo.Context) bool {
	return strings.HasPrefix(c.Request().URL.Path, "/uploads/")
}
