package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoRatchet = "SecuMSG-DR"

var (
	chainKeyLabel   = []byte{0x01}
	messageKeyLabel = []byte{0x02}
)

// Encrypt derives the next sending message key and seals plaintext under it.
// The returned state replaces state; state itself is left untouched.
func Encrypt(state *SessionState, plaintext []byte) (*SessionState, *EncryptedMessage, error) {
	if state == nil {
		return nil, nil, ErrNilSession
	}
	next := state.Clone()
	msg, err := next.encrypt(plaintext)
	if err != nil {
		DestroySession(next)
		return nil, nil, err
	}
	next.LastActivityAt = now()
	return next, msg, nil
}

// Decrypt opens msg, ratcheting and caching skipped keys as needed. On any
// error no new state is returned and state is unchanged.
func Decrypt(state *SessionState, msg *EncryptedMessage) (*SessionState, []byte, error) {
	if state == nil {
		return nil, nil, ErrNilSession
	}
	if msg == nil {
		return nil, nil, ErrDecryptionFailed
	}
	next := state.Clone()
	plaintext, err := next.decrypt(msg)
	if err != nil {
		DestroySession(next)
		return nil, nil, err
	}
	next.LastActivityAt = now()
	return next, plaintext, nil
}

func (s *SessionState) encrypt(plaintext []byte) (*EncryptedMessage, error) {
	if !s.SendingChainKey.IsPresent() {
		if err := s.ratchetSendingChain(); err != nil {
			return nil, err
		}
	}
	ck, _ := s.SendingChainKey.Get()
	nextCK, mk := kdfChain(ck)
	defer wipeKey(&mk)
	wipeKey(&ck)

	msg := &EncryptedMessage{
		Header: MessageHeader{
			DHPublic: s.DHKeyPair.Public,
			PN:       s.PreviousSendingN,
			N:        s.SendingN,
		},
	}
	if err := readRandom(msg.IV[:]); err != nil {
		wipeKey(&nextCK)
		return nil, err
	}
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		wipeKey(&nextCK)
		return nil, err
	}
	msg.Ciphertext = aead.Seal(nil, msg.IV[:], plaintext, msg.Header.associatedData())

	s.SendingChainKey.set(nextCK)
	s.SendingN++
	return msg, nil
}

func (s *SessionState) decrypt(msg *EncryptedMessage) ([]byte, error) {
	h := msg.Header
	idx := skippedIndex{pub: h.DHPublic, n: h.N}
	if mk, ok := s.skipped[idx]; ok {
		plaintext, err := open(mk, msg)
		wipeKey(&mk)
		if err != nil {
			return nil, err
		}
		s.dropSkipped(idx)
		return plaintext, nil
	}

	remote, ok := s.RemoteDHPublic.Get()
	if !ok || h.DHPublic != remote {
		if err := s.skipMessageKeys(h.PN); err != nil {
			return nil, err
		}
		if err := s.ratchetOnReceive(h.DHPublic); err != nil {
			return nil, err
		}
	}
	if h.N < s.ReceivingN {
		return nil, ErrDuplicateMessage
	}
	if err := s.skipMessageKeys(h.N); err != nil {
		return nil, err
	}
	ck, ok := s.ReceivingChainKey.Get()
	if !ok {
		return nil, ErrDecryptionFailed
	}
	nextCK, mk := kdfChain(ck)
	wipeKey(&ck)
	plaintext, err := open(mk, msg)
	wipeKey(&mk)
	if err != nil {
		wipeKey(&nextCK)
		return nil, err
	}
	s.ReceivingChainKey.set(nextCK)
	s.ReceivingN++
	return plaintext, nil
}

// ratchetOnReceive derives the receiving chain for a new remote ratchet key
// and drops the sending chain. The local key pair stays in place until the next
// Encrypt replaces it, since the peer's next ratchet step targets the key it
// last saw from us.
func (s *SessionState) ratchetOnReceive(remote [32]byte) error {
	shared, err := dh(s.DHKeyPair.Private, remote)
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(s.RootKey, shared)
	wipe(shared)
	if err != nil {
		return err
	}

	s.ReceivingN = 0
	s.RemoteDHPublic = SomeKey(remote)
	s.ReceivingChainKey.set(recv)
	s.SendingChainKey.clear()
	s.replaceRoot(root)
	return nil
}

// ratchetSendingChain starts a new sending chain with a fresh local key pair
// against the known remote key. The old private key is wiped. The receiving
// chain is kept so messages still in flight on it remain decryptable.
func (s *SessionState) ratchetSendingChain() error {
	remote, ok := s.RemoteDHPublic.Get()
	if !ok || isZeroKey(remote) {
		return ErrInvalidRemoteKey
	}
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	shared, err := dh(kp.Private, remote)
	if err != nil {
		wipeKey(&kp.Private)
		return err
	}
	root, send, err := kdfRoot(s.RootKey, shared)
	wipe(shared)
	if err != nil {
		wipeKey(&kp.Private)
		return err
	}
	s.PreviousSendingN = s.SendingN
	s.SendingN = 0
	s.SendingChainKey.set(send)
	s.replaceRoot(root)
	s.replaceKeyPair(kp)
	return nil
}

func (s *SessionState) replaceRoot(root [32]byte) {
	wipeKey(&s.RootKey)
	s.RootKey = root
}

func (s *SessionState) replaceKeyPair(kp KeyPair) {
	wipeKey(&s.DHKeyPair.Private)
	s.DHKeyPair = kp
}

func kdfRoot(root [32]byte, dhOut []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dhOut, root[:], []byte(hkdfInfoRatchet))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		wipeKey(&newRoot)
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

// kdfChain returns the next chain key and the message key for the current
// position.
func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	var next, msg [32]byte
	copy(next[:], hmacSHA256(chain[:], chainKeyLabel))
	copy(msg[:], hmacSHA256(chain[:], messageKeyLabel))
	return next, msg
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func open(mk [32]byte, msg *EncryptedMessage) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg.IV[:], msg.Ciphertext, msg.Header.associatedData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (h MessageHeader) associatedData() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:], h.PN)
	binary.BigEndian.PutUint32(buf[36:], h.N)
	return buf
}
