package cryptocore

import (
	"crypto/ed25519"
	"time"
)

const (
	// MaxSkip bounds how many message keys a single session may hold for
	// out-of-order delivery.
	MaxSkip = 1000

	// DefaultSessionLifetime is measured from session creation.
	DefaultSessionLifetime = 7 * 24 * time.Hour

	ivSize = 12
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// OptionalKey holds a 32-byte key that may not have been derived yet. The zero
// value is absent.
type OptionalKey struct {
	key     [32]byte
	present bool
}

// SomeKey returns a present OptionalKey holding k.
func SomeKey(k [32]byte) OptionalKey {
	return OptionalKey{key: k, present: true}
}

// Get returns the key and whether it is present.
func (o OptionalKey) Get() ([32]byte, bool) {
	if !o.present {
		return [32]byte{}, false
	}
	return o.key, true
}

func (o OptionalKey) IsPresent() bool { return o.present }

func (o *OptionalKey) set(k [32]byte) {
	wipeKey(&o.key)
	o.key = k
	o.present = true
}

func (o *OptionalKey) clear() {
	wipeKey(&o.key)
	o.present = false
}

// Device is a local identity: an Ed25519 signing key, the X25519 key derived
// from it, and the current signed prekey.
type Device struct {
	identity     identityKeyPair
	signedPrekey KeyPair
	signedSig    []byte
}

type identityKeyPair struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dh             KeyPair
}

type PrekeyBundle struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	SignedPrekey         [32]byte
	SignedPrekeySig      []byte
}

type HandshakeMessage struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	EphemeralKey         [32]byte
}

type skippedIndex struct {
	pub [32]byte
	n   uint32
}

// SessionState is the complete ratchet state for one peer. Engine operations
// never modify the state they are given; they return a new one.
type SessionState struct {
	DHKeyPair         KeyPair
	RemoteDHPublic    OptionalKey
	RootKey           [32]byte
	SendingChainKey   OptionalKey
	ReceivingChainKey OptionalKey
	SendingN          uint32
	ReceivingN        uint32
	PreviousSendingN  uint32
	CreatedAt         time.Time
	LastActivityAt    time.Time

	skipped map[skippedIndex][32]byte
}

// MessageHeader travels in the clear next to the ciphertext and is
// authenticated as associated data.
type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32
	N        uint32
}

type EncryptedMessage struct {
	Header     MessageHeader
	Ciphertext []byte
	IV         [ivSize]byte
}

// Clone returns a deep copy of s.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.skipped = make(map[skippedIndex][32]byte, len(s.skipped))
	for k, v := range s.skipped {
		out.skipped[k] = v
	}
	return &out
}

// SkippedKeyCount reports how many message keys are cached for out-of-order
// delivery.
func (s *SessionState) SkippedKeyCount() int {
	if s == nil {
		return 0
	}
	return len(s.skipped)
}
