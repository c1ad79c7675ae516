package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnauthorized rejects an unsigned or mis-signed invocation. No audit
// row exists for a rejected trigger; the check happens before any side
// effect.
var ErrUnauthorized = errors.New("unauthorized trigger")

// Auth signs and verifies trigger invocations with a shared secret.
// A nil *Auth disables verification (restricted/non-production setups).
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	if secret == "" {
		return nil
	}
	return &Auth{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 over the trigger id and scheduled time.
func (a *Auth) Sign(triggerID string, scheduledAt time.Time) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(triggerID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(scheduledAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Auth) Verify(triggerID string, scheduledAt time.Time, signature string) bool {
	if a == nil {
		return true
	}
	want := a.Sign(triggerID, scheduledAt)
	return hmac.Equal([]byte(want), []byte(signature))
}
