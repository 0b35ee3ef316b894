package cryptocore

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// ForceKeyRotation clears the sending chain so the next Encrypt performs a DH
// ratchet step with a fresh local key pair. The previous private key is wiped
// at that point.
//
// The peer follows the new chain only if it has already received a message of
// the current sending chain (or nothing was sent on it yet). Unreceived
// messages of the cleared chain stay decryptable through the skipped cache.
func ForceKeyRotation(state *SessionState) (*SessionState, error) {
	if state == nil {
		return nil, ErrNilSession
	}
	next := state.Clone()
	next.SendingChainKey.clear()
	next.LastActivityAt = now()
	return next, nil
}

// DestroySession wipes every secret held by state. The state must not be used
// afterwards.
func DestroySession(state *SessionState) {
	if state == nil {
		return
	}
	wipeKey(&state.DHKeyPair.Private)
	wipeKey(&state.RootKey)
	state.SendingChainKey.clear()
	state.ReceivingChainKey.clear()
	state.wipeSkipped()
}

// IsExpired reports whether state is older than DefaultSessionLifetime.
func IsExpired(state *SessionState, at time.Time) bool {
	return state.Expired(at, DefaultSessionLifetime)
}

// Expired reports whether more than lifetime has passed since the session was
// created. A nil state is always expired.
func (s *SessionState) Expired(at time.Time, lifetime time.Duration) bool {
	if s == nil {
		return true
	}
	return at.Sub(s.CreatedAt) > lifetime
}

// VerifySessionIntegrity reports whether state is unexpired and structurally
// sound. A false result means the caller should run a new key agreement.
func VerifySessionIntegrity(state *SessionState, at time.Time) bool {
	if IsExpired(state, at) {
		return false
	}
	return state.Validate() == nil
}

// Validate checks the structural invariants of the state.
func (s *SessionState) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if isZeroKey(s.RootKey) {
		return errors.New("cryptocore: zero root key")
	}
	pub, err := curve25519.X25519(s.DHKeyPair.Private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("cryptocore: ratchet private key: %w", err)
	}
	defer wipe(pub)
	if subtle.ConstantTimeCompare(pub, s.DHKeyPair.Public[:]) != 1 {
		return errors.New("cryptocore: ratchet key pair mismatch")
	}
	if !s.RemoteDHPublic.IsPresent() {
		return errors.New("cryptocore: missing remote ratchet key")
	}
	if len(s.skipped) > MaxSkip {
		return fmt.Errorf("cryptocore: %d skipped keys exceeds %d", len(s.skipped), MaxSkip)
	}
	return nil
}
