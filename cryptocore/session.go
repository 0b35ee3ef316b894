package cryptocore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfoX3DH = "SecuMSG-X3DH"

// InitializeSessionAsSender runs the initiator side of X3DH against the peer's
// identity key and signed prekey. The returned state owns a fresh ephemeral key
// pair whose public half must reach the peer, either in a HandshakeMessage or
// as the ratchet key of the first message header.
func InitializeSessionAsSender(ourIdentity KeyPair, theirIdentity, theirSignedPreKey [32]byte) (*SessionState, error) {
	eph, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	dh1, err := dh(ourIdentity.Private, theirSignedPreKey)
	if err != nil {
		return nil, err
	}
	defer wipe(dh1)
	dh2, err := dh(eph.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	defer wipe(dh2)
	shared, err := deriveSharedSecret(dh1, dh2)
	if err != nil {
		return nil, err
	}
	defer wipeKey(&shared)

	dh3, err := dh(eph.Private, theirSignedPreKey)
	if err != nil {
		return nil, err
	}
	defer wipe(dh3)
	root, chain, err := kdfRoot(shared, dh3)
	if err != nil {
		return nil, err
	}

	ts := now()
	return &SessionState{
		DHKeyPair:       eph,
		RemoteDHPublic:  SomeKey(theirSignedPreKey),
		RootKey:         root,
		SendingChainKey: SomeKey(chain),
		CreatedAt:       ts,
		LastActivityAt:  ts,
		skipped:         make(map[skippedIndex][32]byte),
	}, nil
}

// InitializeSessionAsReceiver runs the responder side of X3DH. The signed
// prekey pair becomes the first local ratchet key pair.
func InitializeSessionAsReceiver(ourIdentity, ourSignedPreKey KeyPair, theirIdentity, theirEphemeral [32]byte) (*SessionState, error) {
	dh1, err := dh(ourSignedPreKey.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	defer wipe(dh1)
	dh2, err := dh(ourIdentity.Private, theirEphemeral)
	if err != nil {
		return nil, err
	}
	defer wipe(dh2)
	shared, err := deriveSharedSecret(dh1, dh2)
	if err != nil {
		return nil, err
	}
	defer wipeKey(&shared)

	dh3, err := dh(ourSignedPreKey.Private, theirEphemeral)
	if err != nil {
		return nil, err
	}
	defer wipe(dh3)
	root, chain, err := kdfRoot(shared, dh3)
	if err != nil {
		return nil, err
	}

	ts := now()
	return &SessionState{
		DHKeyPair:         ourSignedPreKey,
		RemoteDHPublic:    SomeKey(theirEphemeral),
		RootKey:           root,
		ReceivingChainKey: SomeKey(chain),
		CreatedAt:         ts,
		LastActivityAt:    ts,
		skipped:           make(map[skippedIndex][32]byte),
	}, nil
}

// InitSession verifies the remote prekey bundle and performs the X3DH handshake
// as the initiator.
func (d *Device) InitSession(bundle *PrekeyBundle) (*SessionState, *HandshakeMessage, error) {
	if d == nil {
		return nil, nil, errors.New("cryptocore: nil device")
	}
	if bundle == nil {
		return nil, nil, errors.New("cryptocore: nil bundle")
	}
	if err := verifyPrekeyBundle(bundle); err != nil {
		return nil, nil, err
	}
	sess, err := InitializeSessionAsSender(d.identity.dh, bundle.IdentityKey, bundle.SignedPrekey)
	if err != nil {
		return nil, nil, err
	}
	msg := &HandshakeMessage{
		IdentityKey:          d.identity.dh.Public,
		IdentitySignatureKey: append([]byte(nil), d.identity.signingPublic...),
		EphemeralKey:         sess.DHKeyPair.Public,
	}
	return sess, msg, nil
}

// AcceptSession finalizes the X3DH handshake on the responder side using the
// initiator's handshake message.
func (d *Device) AcceptSession(msg *HandshakeMessage) (*SessionState, error) {
	if d == nil {
		return nil, errors.New("cryptocore: nil device")
	}
	if msg == nil {
		return nil, errors.New("cryptocore: nil handshake message")
	}
	return InitializeSessionAsReceiver(d.identity.dh, d.signedPrekey, msg.IdentityKey, msg.EphemeralKey)
}

func verifyPrekeyBundle(bundle *PrekeyBundle) error {
	if len(bundle.IdentitySignatureKey) != ed25519.PublicKeySize {
		return ErrInvalidPrekeySignature
	}
	if !ed25519.Verify(ed25519.PublicKey(bundle.IdentitySignatureKey), bundle.SignedPrekey[:], bundle.SignedPrekeySig) {
		return ErrInvalidPrekeySignature
	}
	return nil
}

func deriveSharedSecret(dh1, dh2 []byte) ([32]byte, error) {
	ikm := make([]byte, 0, len(dh1)+len(dh2))
	ikm = append(append(ikm, dh1...), dh2...)
	defer wipe(ikm)
	kdf := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfoX3DH))
	var secret [32]byte
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return [32]byte{}, err
	}
	return secret, nil
}
