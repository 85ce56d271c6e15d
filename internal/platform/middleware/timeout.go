package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Handlers and the
// storage calls they make see it through c.Request().Context(). A handler
// that gives up with the bare context error is answered with a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				var httpErr *echo.HTTPError
				if !errors.As(err, &httpErr) {
					return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
				}
			}
			return err
		}
	}
}
