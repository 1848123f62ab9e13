// Package session defines the cookies the relay manages and the records
// stored inside them.
package session

import "time"

// Cookie names. These are shared with the web client and must not change.
const (
	AuthTokenCookie     = "authToken"
	UserInfoCookie      = "userInfo"
	AutoLoginCookie     = "autoLogin"
	StopAutoLoginCookie = "stopAutoLogging"
	DeviceCookie        = "relayDevice"
)

// CookiePath scopes every relay cookie to the whole site.
const CookiePath = "/"

const (
	// Lifetime of a persistent (non-session) login.
	Lifetime = 24 * time.Hour
	// AutoLoginWindow is how far in the future a new auto-login limit is set.
	AutoLoginWindow = 90 * 24 * time.Hour
	// StopMarkerLifetime bounds how long an explicit logout suppresses
	// silent auto-login resume.
	StopMarkerLifetime = 7 * 24 * time.Hour
	// DeviceLifetime is the lifetime of the broadcast device id cookie.
	DeviceLifetime = 365 * 24 * time.Hour
)

// SessionScoped is stored in maxAgeUnix for cookies that live until the
// browser closes.
const SessionScoped int64 = -1
