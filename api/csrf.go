package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kinderboard/relay/session"
)

const (
	CSRFCookieName = "kinderboard_csrf"
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection for mutating
// requests that carry a session. Safe methods and requests without an
// authToken cookie pass through.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := readCookie(r, session.AuthTokenCookie); !ok {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(CSRFHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the double-submit cookie alongside a new session. It
// is not HttpOnly: the web client reads it and echoes it in CSRFHeaderName.
func (a *API) writeCSRFCookie(w http.ResponseWriter, maxAge time.Duration) {
	c := a.newCookie(CSRFCookieName, uuid.NewString(), maxAge)
	c.HttpOnly = false
	http.SetCookie(w, c)
}

func (a *API) clearCSRFCookie(w http.ResponseWriter) {
	c := a.newCookie(CSRFCookieName, "", 0)
	c.HttpOnly = false
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}
