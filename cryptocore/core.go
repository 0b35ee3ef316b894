package cryptocore

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"sync"
	"time"

	"secumsg/internal/memzero"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}

	clockMu sync.RWMutex
	clock   = time.Now
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

// UseClock swaps the time source used for session timestamps and returns a
// restore function.
func UseClock(now func() time.Time) func() {
	clockMu.Lock()
	prev := clock
	clock = now
	clockMu.Unlock()
	return func() {
		clockMu.Lock()
		clock = prev
		clockMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

func now() time.Time {
	clockMu.RLock()
	fn := clock
	clockMu.RUnlock()
	return fn().UTC()
}

// GenerateKeyPair returns a fresh clamped X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	return generateX25519KeyPair()
}

func generateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, err
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	wipeKey(&priv)
	return kp, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// dh computes the X25519 shared secret. Low-order remote points are rejected.
func dh(private, public [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, ErrInvalidRemoteKey
	}
	return out, nil
}

func wipe(b []byte) {
	memzero.Zero(b)
}

func wipeKey(k *[32]byte) {
	wipe(k[:])
}

func isZeroKey(k [32]byte) bool {
	var zero [32]byte
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

var _ io.Reader = randReader{}
