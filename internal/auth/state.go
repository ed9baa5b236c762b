package auth

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	stateName   = "calsync_oauth_state"
	stateMaxAge = 10 * time.Minute
)

// connectState travels through the provider's consent screen in the OAuth
// state parameter.
type connectState struct {
	UserID   int64  `json:"user_id"`
	Verifier string `json:"verifier"`
	Groups   string `json:"groups"`
	Exp      int64  `json:"exp"`
}

// StateCodec signs and encrypts connect states.
type StateCodec struct {
	codec *securecookie.SecureCookie
	now   func() time.Time
}

func NewStateCodec(secret string) *StateCodec {
	hash := sha256.Sum256([]byte(secret))
	hashKey := hash[:]

	// Derive an AES-256 sized block key to avoid invalid key length errors.
	blockKey := hash[:]
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(stateMaxAge / time.Second))
	sc.SetSerializer(securecookie.JSONEncoder{})

	return &StateCodec{codec: sc, now: time.Now}
}

func (c *StateCodec) Encode(st connectState) (string, error) {
	st.Exp = c.now().Add(stateMaxAge).Unix()
	return c.codec.Encode(stateName, st)
}

var errBadState = errors.New("invalid or expired oauth state")

func (c *StateCodec) Decode(value string) (connectState, error) {
	var st connectState
	if err := c.codec.Decode(stateName, value, &st); err != nil {
		return connectState{}, errBadState
	}
	if st.UserID <= 0 || st.Verifier == "" || time.Unix(st.Exp, 0).Before(c.now()) {
		return connectState{}, errBadState
	}
	return st, nil
}
