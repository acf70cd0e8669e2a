package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestRecorder receives one observation per served request.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, d time.Duration)
}

// NewMetrics times requests by their registered route so ids in paths do not
// explode label cardinality. Unmatched paths are reported as "unmatched".
func NewMetrics(rec RequestRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rec == nil {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			rec.RecordRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
