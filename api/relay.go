package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/codec"
	"github.com/kinderboard/relay/internal/metrics"
	"github.com/kinderboard/relay/internal/util"
	"github.com/kinderboard/relay/session"
)

// Where a value that failed to decode came from.
const (
	sourceCookie = "cookie"
	sourceBody   = "body"
)

// SetCookie handles POST set-cookie. It writes authToken and userInfo
// together or not at all.
func (a *API) SetCookie(w http.ResponseWriter, r *http.Request) {
	const endpoint = "set-cookie"

	var req SetCookieRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" || req.UserInfo == "" {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	var info session.UserInfo
	if err := a.codec.Decrypt(req.UserInfo, &info); err != nil {
		a.codecFailure(r, endpoint, sourceBody, err)
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}
	a.recordDecodeSuccess(r)

	now := a.now()
	maxAge := session.Lifetime
	expiry := now.Add(maxAge).Unix()
	scope := "persistent"
	if req.UseSession {
		maxAge = 0
		expiry = session.SessionScoped
		scope = "session"
	}

	encoded, err := a.sealUserInfo(info.WithMaxAgeUnix(expiry))
	if err != nil {
		a.internalError(w, r, endpoint, err)
		return
	}

	a.setCookie(w, session.AuthTokenCookie, req.Token, maxAge)
	a.setCookie(w, session.UserInfoCookie, encoded, maxAge)
	if a.csrf {
		a.writeCSRFCookie(w, maxAge)
	}

	metrics.SessionsIssued.WithLabelValues(scope).Inc()
	a.audit.log(AuditSessionIssued, r, slog.String("scope", scope))
	a.publish(r, broadcast.Event{Type: broadcast.EventSession, Token: req.Token, UserInfo: encoded})

	writeJSON(w, http.StatusOK, SessionResponse{Message: MessageOK, UserInfo: encoded})
}

// SetCookieProfile handles POST set-cookie-profile. The merged record keeps
// the absolute expiry of the existing one.
func (a *API) SetCookieProfile(w http.ResponseWriter, r *http.Request) {
	const endpoint = "set-cookie-profile"

	var req SetProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserInfo == "" {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	existing, ok := a.readUserInfo(r, endpoint)
	if !ok {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}
	expiry, ok := existing.MaxAgeUnix()
	if !ok {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	maxAge := session.RemainingUntil(expiry, a.now())
	if expiry == session.SessionScoped {
		maxAge = 0
	} else if maxAge <= 0 {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	var partial session.UserInfo
	if err := a.codec.Decrypt(req.UserInfo, &partial); err != nil {
		a.codecFailure(r, endpoint, sourceBody, err)
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	encoded, err := a.sealUserInfo(existing.Merge(partial).WithMaxAgeUnix(expiry))
	if err != nil {
		a.internalError(w, r, endpoint, err)
		return
	}
	a.setCookie(w, session.UserInfoCookie, encoded, maxAge)

	a.audit.log(AuditProfileUpdated, r, slog.Int64("remaining_seconds", int64(maxAge.Seconds())))
	a.publish(r, broadcast.Event{Type: broadcast.EventProfile, UserInfo: encoded})

	writeJSON(w, http.StatusOK, SessionResponse{Message: MessageOK, UserInfo: encoded})
}

// SetAutoLogin handles POST set-auto-login. An existing, readable, unexpired
// record is renewed up to its original limit; anything else gets a fresh
// 90-day record.
func (a *API) SetAutoLogin(w http.ResponseWriter, r *http.Request) {
	const endpoint = "set-auto-login"

	var req SetAutoLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PostBody == "" {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}
	token, ok := readCookie(r, session.AuthTokenCookie)
	if !ok {
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	var body session.AutoLoginRequest
	if err := a.codec.Decrypt(req.PostBody, &body); err != nil {
		a.codecFailure(r, endpoint, sourceBody, err)
		writeError(w, http.StatusBadRequest, msgNotFound)
		return
	}

	now := a.now()
	record, hadRecord, live := a.readAutoLogin(r, endpoint)

	var (
		maxAge  = record.Remaining(now)
		outcome = "renewed"
		event   = AuditAutoLoginRenewed
	)
	if !live {
		record = session.NewAutoLogin(token, util.NormalizePhone(body.PhoneNumber), now)
		maxAge = session.AutoLoginWindow
		if body.UseSession {
			maxAge = 0
		}
		outcome = "created"
		if hadRecord {
			outcome = "replaced"
		}
		event = AuditAutoLoginEnabled
	}

	sealed, err := a.codec.Encrypt(record)
	if err != nil {
		a.internalError(w, r, endpoint, err)
		return
	}

	if _, ok := readCookie(r, session.StopAutoLoginCookie); ok {
		a.expireCookie(w, session.StopAutoLoginCookie)
	}
	a.setCookie(w, session.AutoLoginCookie, sealed, maxAge)

	metrics.AutoLoginWrites.WithLabelValues(outcome).Inc()
	a.audit.log(event, r, slog.String("outcome", outcome))
	a.publish(r, broadcast.Event{Type: broadcast.EventAutoLogin})

	writeJSON(w, http.StatusOK, MessageResponse{Message: MessageOK})
}

// GetAutoLogin handles GET get-auto-login. Values are passed through sealed.
func (a *API) GetAutoLogin(w http.ResponseWriter, r *http.Request) {
	resp := AutoLoginStateResponse{Message: MessageOK}
	resp.AutoLogin, _ = readCookie(r, session.AutoLoginCookie)
	resp.StopAutoLogging, _ = readCookie(r, session.StopAutoLoginCookie)
	writeJSON(w, http.StatusOK, resp)
}

// GetCheckCookie handles GET get-check-cookie, a presence probe that never
// decrypts.
func (a *API) GetCheckCookie(w http.ResponseWriter, r *http.Request) {
	_, hasToken := readCookie(r, session.AuthTokenCookie)
	_, hasInfo := readCookie(r, session.UserInfoCookie)
	if !hasToken || !hasInfo {
		writeJSON(w, http.StatusOK, MessageResponse{Message: MessageNone})
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: MessageOK})
}

// GetCookie handles GET get-cookie.
func (a *API) GetCookie(w http.ResponseWriter, r *http.Request) {
	token, hasToken := readCookie(r, session.AuthTokenCookie)
	info, hasInfo := readCookie(r, session.UserInfoCookie)
	if !hasToken || !hasInfo {
		writeJSON(w, http.StatusUnauthorized, MessageResponse{Message: MessageNoCookie})
		return
	}
	writeJSON(w, http.StatusOK, CookieResponse{Message: MessageOK, Token: token, UserInfo: info})
}

// ClearCookie handles POST clear-cookie. A live autoLogin cookie is traded
// for a stopAutoLogging marker.
func (a *API) ClearCookie(w http.ResponseWriter, r *http.Request) {
	const endpoint = "clear-cookie"

	_, hasAutoLogin := readCookie(r, session.AutoLoginCookie)
	var marker string
	if hasAutoLogin {
		var err error
		if marker, err = a.codec.Encrypt(true); err != nil {
			a.internalError(w, r, endpoint, err)
			return
		}
	}

	a.expireCookie(w, session.AuthTokenCookie)
	a.expireCookie(w, session.UserInfoCookie)
	if hasAutoLogin {
		a.setCookie(w, session.StopAutoLoginCookie, marker, session.StopMarkerLifetime)
		a.expireCookie(w, session.AutoLoginCookie)
	}
	if a.csrf {
		a.clearCSRFCookie(w)
	}

	metrics.Logouts.WithLabelValues(boolLabel(hasAutoLogin)).Inc()
	a.audit.log(AuditLogout, r, slog.Bool("stop_marker", hasAutoLogin))
	a.publish(r, broadcast.Event{Type: broadcast.EventLogout})

	writeJSON(w, http.StatusOK, MessageResponse{Message: MessageOK})
}

// ClearAutoLogin handles POST clear-auto-login, the "forget this device"
// reset. It succeeds whether or not the cookies exist.
func (a *API) ClearAutoLogin(w http.ResponseWriter, r *http.Request) {
	a.expireCookie(w, session.AutoLoginCookie)
	a.expireCookie(w, session.StopAutoLoginCookie)

	a.audit.log(AuditAutoLoginCleared, r)
	a.publish(r, broadcast.Event{Type: broadcast.EventForgotten})

	writeJSON(w, http.StatusOK, MessageResponse{Message: MessageOK})
}

// readUserInfo decrypts the userInfo cookie. An unreadable cookie counts as
// absent.
func (a *API) readUserInfo(r *http.Request, endpoint string) (session.UserInfo, bool) {
	raw, ok := readCookie(r, session.UserInfoCookie)
	if !ok {
		return nil, false
	}
	var info session.UserInfo
	if err := a.codec.Decrypt(raw, &info); err != nil {
		a.codecFailure(r, endpoint, sourceCookie, err)
		return nil, false
	}
	if info == nil {
		info = session.UserInfo{}
	}
	return info, true
}

// readAutoLogin decrypts the autoLogin cookie. present reports whether a
// cookie was sent at all; live whether it decoded and is still within its
// limit.
func (a *API) readAutoLogin(r *http.Request, endpoint string) (rec session.AutoLogin, present, live bool) {
	raw, ok := readCookie(r, session.AutoLoginCookie)
	if !ok {
		return rec, false, false
	}
	if err := a.codec.Decrypt(raw, &rec); err != nil {
		a.codecFailure(r, endpoint, sourceCookie, err)
		return session.AutoLogin{}, true, false
	}
	return rec, true, rec.Remaining(a.now()) > 0
}

// sealUserInfo encrypts info and URL-encodes the result for the cookie.
func (a *API) sealUserInfo(info session.UserInfo) (string, error) {
	sealed, err := a.codec.Encrypt(info)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(sealed), nil
}

func (a *API) codecFailure(r *http.Request, endpoint, source string, err error) {
	metrics.CodecFailures.WithLabelValues(endpoint, source).Inc()
	a.recordDecodeFailure(r)
	a.audit.logFailure(AuditCodecFailure, r, codecFailureReason(err),
		slog.String("endpoint", endpoint),
		slog.String("source", source),
	)
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	a.logger.ErrorContext(r.Context(), "relay request failed", "endpoint", endpoint, "error", err)
	writeError(w, http.StatusInternalServerError, msgInternal)
}

func codecFailureReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, codec.ErrAuthentication):
		return "authentication"
	case errors.Is(err, codec.ErrMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
