package cryptocore

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DeviceState is the JSON form of a Device, including private keys. Callers
// must seal it before writing it anywhere.
type DeviceState struct {
	SigningPrivate  string             `json:"signingPrivate"`
	SigningPublic   string             `json:"signingPublic"`
	DHPrivate       string             `json:"dhPrivate"`
	DHPublic        string             `json:"dhPublic"`
	SignedPrekey    X25519KeyPairState `json:"signedPrekey"`
	SignedPrekeySig string             `json:"signedPrekeySig"`
}

type X25519KeyPairState struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

func (d *Device) Export() (*DeviceState, error) {
	if d == nil {
		return nil, errors.New("cryptocore: nil device")
	}
	return &DeviceState{
		SigningPrivate: base64.StdEncoding.EncodeToString(d.identity.signingPrivate),
		SigningPublic:  base64.StdEncoding.EncodeToString(d.identity.signingPublic),
		DHPrivate:      encodeKey(d.identity.dh.Private),
		DHPublic:       encodeKey(d.identity.dh.Public),
		SignedPrekey: X25519KeyPairState{
			Private: encodeKey(d.signedPrekey.Private),
			Public:  encodeKey(d.signedPrekey.Public),
		},
		SignedPrekeySig: base64.StdEncoding.EncodeToString(d.signedSig),
	}, nil
}

func ImportDevice(state *DeviceState) (*Device, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil device state")
	}
	signingPriv, err := decodeFixed(state.SigningPrivate, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signing private: %w", err)
	}
	signingPub, err := decodeFixed(state.SigningPublic, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signing public: %w", err)
	}
	dhPriv, err := decodeKey(state.DHPrivate)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode dh private: %w", err)
	}
	dhPub, err := decodeKey(state.DHPublic)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode dh public: %w", err)
	}
	signedPriv, err := decodeKey(state.SignedPrekey.Private)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signed prekey private: %w", err)
	}
	signedPub, err := decodeKey(state.SignedPrekey.Public)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signed prekey public: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(state.SignedPrekeySig)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signed prekey sig: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(signingPub), signedPub[:], sig) {
		return nil, ErrInvalidPrekeySignature
	}
	derived, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil || string(derived) != string(dhPub[:]) {
		return nil, errors.New("cryptocore: identity key pair mismatch")
	}
	return &Device{
		identity: identityKeyPair{
			signingPublic:  ed25519.PublicKey(signingPub),
			signingPrivate: ed25519.PrivateKey(signingPriv),
			dh:             KeyPair{Private: dhPriv, Public: dhPub},
		},
		signedPrekey: KeyPair{Private: signedPriv, Public: signedPub},
		signedSig:    sig,
	}, nil
}
