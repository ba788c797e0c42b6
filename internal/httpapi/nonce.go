package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Nonce actions.
const (
	ActionCustomEvent  = "custom_event"
	ActionClearPending = "clear_pending"
)

const nonceTick = 12 * time.Hour

// Nonces issues short-lived tokens bound to an action and a viewer. A token
// stays valid for the tick it was issued in and the following one.
type Nonces struct {
	secret []byte
	now    func() time.Time
}

func NewNonces(secret string) *Nonces {
	return &Nonces{secret: []byte(secret), now: time.Now}
}

func (n *Nonces) Issue(action string, userID int64) string {
	return n.sign(action, userID, n.tick())
}

func (n *Nonces) Verify(token, action string, userID int64) bool {
	if token == "" {
		return false
	}
	tick := n.tick()
	for _, t := range []int64{tick, tick - 1} {
		if hmac.Equal([]byte(token), []byte(n.sign(action, userID, t))) {
			return true
		}
	}
	return false
}

func (n *Nonces) tick() int64 {
	return n.now().Unix() / int64(nonceTick/time.Second)
}

func (n *Nonces) sign(action string, userID int64, tick int64) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte(action))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(userID, 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:20]
}
