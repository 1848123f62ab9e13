package session

import (
	"encoding/json"
	"math"
	"time"
)

// MaxAgeField is the key the relay adds to every user-info record.
const MaxAgeField = "maxAgeUnix"

// millisThreshold separates second and millisecond UNIX timestamps. Any
// value above it is read as milliseconds; 10^12 seconds is far past 30000 AD.
const millisThreshold = 1_000_000_000_000

// UserInfo is the profile record carried in the userInfo cookie. Apart from
// maxAgeUnix its fields belong to the identity backend and pass through
// untouched.
type UserInfo map[string]any

// MaxAgeUnix returns the absolute expiry in UNIX seconds, or SessionScoped.
// Values written in milliseconds by older clients are converted.
func (u UserInfo) MaxAgeUnix() (int64, bool) {
	raw, ok := u[MaxAgeField]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return NormalizeUnix(i), true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatUnix(f)
	case float64:
		return floatUnix(n)
	case int64:
		return NormalizeUnix(n), true
	case int:
		return NormalizeUnix(int64(n)), true
	default:
		return 0, false
	}
}

// floatUnix truncates v to whole seconds, saturating at the int64 range.
func floatUnix(v float64) (int64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, false
	case v >= math.MaxInt64:
		return NormalizeUnix(math.MaxInt64), true
	case v <= math.MinInt64:
		return math.MinInt64, true
	}
	return NormalizeUnix(int64(v)), true
}

// WithMaxAgeUnix returns a copy of u with maxAgeUnix set.
func (u UserInfo) WithMaxAgeUnix(unix int64) UserInfo {
	out := make(UserInfo, len(u)+1)
	for k, v := range u {
		out[k] = v
	}
	out[MaxAgeField] = unix
	return out
}

// Merge returns a copy of u with every field of partial laid over it.
// maxAgeUnix is never taken from partial: a profile edit cannot move the
// session's expiry.
func (u UserInfo) Merge(partial UserInfo) UserInfo {
	out := make(UserInfo, len(u)+len(partial))
	for k, v := range u {
		out[k] = v
	}
	for k, v := range partial {
		if k == MaxAgeField {
			continue
		}
		out[k] = v
	}
	return out
}

// NormalizeUnix converts a millisecond timestamp to seconds and leaves
// second timestamps (and SessionScoped) alone.
func NormalizeUnix(v int64) int64 {
	if v > millisThreshold {
		return v / 1000
	}
	return v
}

// AutoLogin is the record sealed in the autoLogin cookie.
type AutoLogin struct {
	Token       string `json:"token"`
	Limit       int64  `json:"limit"`
	PhoneNumber string `json:"phoneNumber"`
}

// NewAutoLogin starts a fresh auto-login window at now.
func NewAutoLogin(token, phoneNumber string, now time.Time) AutoLogin {
	return AutoLogin{
		Token:       token,
		Limit:       now.Add(AutoLoginWindow).Unix(),
		PhoneNumber: phoneNumber,
	}
}

// Remaining returns how long the record stays valid after now.
func (a AutoLogin) Remaining(now time.Time) time.Duration {
	return RemainingUntil(NormalizeUnix(a.Limit), now)
}

// AutoLoginRequest is the sealed body of a set-auto-login call.
type AutoLoginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	UseSession  bool   `json:"useSession"`
}

// RemainingUntil is the whole-second duration between now and the absolute
// UNIX-seconds deadline. It is zero or negative once the deadline passed.
// The result saturates instead of overflowing for deadlines far from now.
func RemainingUntil(deadline int64, now time.Time) time.Duration {
	const maxSeconds = int64(math.MaxInt64 / int64(time.Second))
	nowUnix := now.Unix()
	switch {
	case deadline > 0 && nowUnix < 0 && deadline > math.MaxInt64+nowUnix:
		return math.MaxInt64
	case deadline < 0 && nowUnix > 0 && deadline < math.MinInt64+nowUnix:
		return math.MinInt64
	}
	diff := deadline - nowUnix
	switch {
	case diff > maxSeconds:
		return math.MaxInt64
	case diff < -maxSeconds:
		return math.MinInt64
	}
	return time.Duration(diff) * time.Second
}
