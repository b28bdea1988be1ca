package token

import (
	"fmt"
	"net/http"
	"time"
)

// CachedToken is the access token record held in the token store. Token and
// expiry live in one record so they are always written together.
type CachedToken struct {
	Token string `json:"token"`

	// ExpiresAt is the Unix time (seconds) after which the processor no longer
	// accepts the token.
	ExpiresAt int64 `json:"expiresAt"`
}

// Expiry returns ExpiresAt as a time.
func (t CachedToken) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0).UTC()
}

// ValidAt reports whether the token can still be used at now. The expiry must
// be strictly after now+margin; a record with no token or no expiry is never
// valid.
func (t CachedToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t.Token == "" || t.ExpiresAt <= 0 {
		return false
	}
	return now.Add(margin).Unix() < t.ExpiresAt
}

// AuthError reports that no access token could be obtained from the payment
// processor. Payment operations abort before calling the processor when it
// occurs.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("payment processor authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Status reports the response for callers: the failure is upstream, and the
// detail stays in the logs.
func (e *AuthError) Status() (int, string) {
	return http.StatusBadGateway, "payment processor unavailable"
}
