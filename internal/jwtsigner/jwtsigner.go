package jwtsigner

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptySecret = errors.New("jwtsigner: empty secret")

// Signer issues HS256 tokens accepted by the session API.
type Signer struct {
	secret []byte
	Issuer string
	now    func() time.Time
}

func New(secret, iss string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret), Issuer: iss, now: time.Now}, nil
}

// Sign issues a JWT for subject `sub` with TTL and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := s.now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	if s.Issuer != "" {
		m["iss"] = s.Issuer
	}
	m["sub"] = sub
	m["iat"] = jwt.NewNumericDate(now).Unix()
	m["exp"] = jwt.NewNumericDate(now.Add(ttl)).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, m).SignedString(s.secret)
}
