package api

// Response messages shared with the web client.
const (
	MessageOK       = "OK"
	MessageNone     = "NONE"
	MessageNoCookie = "No Cookie"
)

// SetCookieRequest is the body of POST set-cookie. UserInfo is sealed by
// the codec.
type SetCookieRequest struct {
	Token      string `json:"token"`
	UserInfo   string `json:"userInfo"`
	UseSession bool   `json:"useSession,omitempty"`
}

// SetProfileRequest is the body of POST set-cookie-profile. UserInfo is a
// sealed partial record.
type SetProfileRequest struct {
	UserInfo string `json:"userInfo"`
}

// SetAutoLoginRequest is the body of POST set-auto-login. PostBody is a
// sealed session.AutoLoginRequest.
type SetAutoLoginRequest struct {
	PostBody string `json:"postBody"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// SessionResponse echoes the sealed userInfo cookie value so the caller can
// seed its local state without another round trip.
type SessionResponse struct {
	Message  string `json:"message"`
	UserInfo string `json:"userInfo"`
}

// AutoLoginStateResponse carries the raw auto-login cookies. Absent cookies
// are omitted.
type AutoLoginStateResponse struct {
	Message         string `json:"message"`
	AutoLogin       string `json:"autoLogin,omitempty"`
	StopAutoLogging string `json:"stopAutoLogging,omitempty"`
}

// CookieResponse is returned by get-cookie.
type CookieResponse struct {
	Message  string `json:"message"`
	Token    string `json:"token"`
	UserInfo string `json:"userInfo"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
