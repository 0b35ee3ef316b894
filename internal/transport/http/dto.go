package http

import (
	"fmt"
	"time"

	"secumsg/cryptocore"
	"secumsg/internal/sessions"
)

// Binary fields are []byte so encoding/json carries them as standard base64.

type BundleDTO struct {
	IdentityKey          []byte `json:"identity_key"`
	IdentitySignatureKey []byte `json:"identity_signature_key"`
	SignedPrekey         []byte `json:"signed_prekey"`
	SignedPrekeySig      []byte `json:"signed_prekey_sig"`
}

type HandshakeDTO struct {
	IdentityKey          []byte `json:"identity_key"`
	IdentitySignatureKey []byte `json:"identity_signature_key"`
	EphemeralKey         []byte `json:"ephemeral_key"`
}

type HeaderDTO struct {
	DHPublic []byte `json:"dh_public"`
	PN       uint32 `json:"pn"`
	N        uint32 `json:"n"`
}

type MessageDTO struct {
	Header     HeaderDTO `json:"header"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
}

type InitiateRequest struct {
	PeerID string    `json:"peer_id"`
	Bundle BundleDTO `json:"bundle"`
}

type AcceptRequest struct {
	PeerID    string       `json:"peer_id"`
	Handshake HandshakeDTO `json:"handshake"`
}

type EncryptRequest struct {
	Plaintext []byte `json:"plaintext"`
}

type DecryptResponse struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	Plaintext []byte    `json:"plaintext,omitempty"`
	Accepted  bool      `json:"accepted"`
	Verdict   string    `json:"verdict"`
}

type SafetyNumberResponse struct {
	PeerID       string `json:"peer_id"`
	SafetyNumber string `json:"safety_number"`
}

type StatusResponse struct {
	PeerID           string    `json:"peer_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Expired          bool      `json:"expired"`
	Intact           bool      `json:"intact"`
	SendingN         uint32    `json:"sending_n"`
	ReceivingN       uint32    `json:"receiving_n"`
	PreviousSendingN uint32    `json:"previous_sending_n"`
	SkippedKeys      int       `json:"skipped_keys"`
}

type PurgeResponse struct {
	Removed int `json:"removed"`
}

func bundleToDTO(b *cryptocore.PrekeyBundle) BundleDTO {
	return BundleDTO{
		IdentityKey:          append([]byte(nil), b.IdentityKey[:]...),
		IdentitySignatureKey: append([]byte(nil), b.IdentitySignatureKey...),
		SignedPrekey:         append([]byte(nil), b.SignedPrekey[:]...),
		SignedPrekeySig:      append([]byte(nil), b.SignedPrekeySig...),
	}
}

func (d BundleDTO) toBundle() (*cryptocore.PrekeyBundle, error) {
	ik, err := key32("identity_key", d.IdentityKey)
	if err != nil {
		return nil, err
	}
	spk, err := key32("signed_prekey", d.SignedPrekey)
	if err != nil {
		return nil, err
	}
	return &cryptocore.PrekeyBundle{
		IdentityKey:          ik,
		IdentitySignatureKey: d.IdentitySignatureKey,
		SignedPrekey:         spk,
		SignedPrekeySig:      d.SignedPrekeySig,
	}, nil
}

func handshakeToDTO(h *cryptocore.HandshakeMessage) HandshakeDTO {
	return HandshakeDTO{
		IdentityKey:          append([]byte(nil), h.IdentityKey[:]...),
		IdentitySignatureKey: append([]byte(nil), h.IdentitySignatureKey...),
		EphemeralKey:         append([]byte(nil), h.EphemeralKey[:]...),
	}
}

func (d HandshakeDTO) toHandshake() (*cryptocore.HandshakeMessage, error) {
	ik, err := key32("identity_key", d.IdentityKey)
	if err != nil {
		return nil, err
	}
	ek, err := key32("ephemeral_key", d.EphemeralKey)
	if err != nil {
		return nil, err
	}
	return &cryptocore.HandshakeMessage{
		IdentityKey:          ik,
		IdentitySignatureKey: d.IdentitySignatureKey,
		EphemeralKey:         ek,
	}, nil
}

func messageToDTO(m *cryptocore.EncryptedMessage) MessageDTO {
	return MessageDTO{
		Header: HeaderDTO{
			DHPublic: append([]byte(nil), m.Header.DHPublic[:]...),
			PN:       m.Header.PN,
			N:        m.Header.N,
		},
		Ciphertext: m.Ciphertext,
		IV:         append([]byte(nil), m.IV[:]...),
	}
}

func (d MessageDTO) toMessage() (*cryptocore.EncryptedMessage, error) {
	pub, err := key32("header.dh_public", d.Header.DHPublic)
	if err != nil {
		return nil, err
	}
	msg := &cryptocore.EncryptedMessage{
		Header:     cryptocore.MessageHeader{DHPublic: pub, PN: d.Header.PN, N: d.Header.N},
		Ciphertext: d.Ciphertext,
	}
	if len(d.IV) != len(msg.IV) {
		return nil, fmt.Errorf("%w: iv must be %d bytes", sessions.ErrInvalidRequest, len(msg.IV))
	}
	copy(msg.IV[:], d.IV)
	if len(d.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", sessions.ErrInvalidRequest)
	}
	return msg, nil
}

func statusToDTO(s *sessions.Status) StatusResponse {
	return StatusResponse{
		PeerID:           s.PeerID,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
		ExpiresAt:        s.ExpiresAt,
		Expired:          s.Expired,
		Intact:           s.Intact,
		SendingN:         s.SendingN,
		ReceivingN:       s.ReceivingN,
		PreviousSendingN: s.PreviousSendingN,
		SkippedKeys:      s.SkippedKeys,
	}
}

func key32(field string, b []byte) ([32]byte, error) {
	var k [32]byte
	if len(b) != len(k) {
		return k, fmt.Errorf("%w: %s must be 32 bytes", sessions.ErrInvalidRequest, field)
	}
	copy(k[:], b)
	return k, nil
}
