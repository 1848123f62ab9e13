package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/kinderboard/relay/session"
)

// newCookie builds a relay cookie. A zero maxAge makes it a browser-session
// cookie.
func (a *API) newCookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     session.CookiePath,
		Domain:   a.cookieDomain,
		HttpOnly: true,
		Secure:   a.production,
		SameSite: a.sameSite,
	}
	if maxAge > 0 {
		seconds := int(maxAge / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.MaxAge = seconds
		c.Expires = a.now().Add(time.Duration(seconds) * time.Second).UTC()
	}
	return c
}

func (a *API) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, a.newCookie(name, value, maxAge))
}

func (a *API) expireCookie(w http.ResponseWriter, name string) {
	c := a.newCookie(name, "", 0)
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// readCookie returns the value of a non-empty cookie.
func readCookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
