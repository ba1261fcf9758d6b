package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	sessionCookieName = "gatherd_session"
	sessionTTL        = 24 * time.Hour

	sessionContextKey = "gatherd.session_id"
)

// sessionMiddleware issues an anonymous session cookie on first
// contact. The session id keys the connector client pool, so every
// request carries one.
func sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var id string
			if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
				id = cookie.Value
			}
			if id == "" {
				id = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     sessionCookieName,
					Value:    id,
					Path:     "/",
					MaxAge:   int(sessionTTL / time.Second),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(sessionContextKey, id)
			return next(c)
		}
	}
}

// sessionID returns the session id attached by sessionMiddleware.
func sessionID(c echo.Context) string {
	id, _ := c.Get(sessionContextKey).(string)
	return id
}
