package cryptocore

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// GenerateIdentityKeypair creates a new device identity consisting of an
// Ed25519 signing key pair and the corresponding X25519 key material used for
// Diffie-Hellman operations.
func GenerateIdentityKeypair() (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	defer wipe(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	dev := &Device{
		identity: identityKeyPair{
			signingPublic:  append(ed25519.PublicKey(nil), pub...),
			signingPrivate: priv,
			dh:             KeyPair{Private: dhPriv, Public: dhPub},
		},
	}
	if err := dev.RotateSignedPrekey(); err != nil {
		return nil, err
	}
	return dev, nil
}

// RotateSignedPrekey replaces the signed prekey. Sessions already accepted with
// the previous prekey are unaffected; handshakes addressed to it can no longer
// be accepted.
func (d *Device) RotateSignedPrekey() error {
	if d == nil {
		return errors.New("cryptocore: nil device")
	}
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(d.identity.signingPrivate, kp.Public[:])
	wipeKey(&d.signedPrekey.Private)
	d.signedPrekey = kp
	d.signedSig = append([]byte(nil), sig...)
	return nil
}

// PublishPrekeyBundle returns the public half of the device identity and its
// signed prekey. The bundle can be shared with other devices.
func (d *Device) PublishPrekeyBundle() (*PrekeyBundle, error) {
	if d == nil {
		return nil, errors.New("cryptocore: nil device")
	}
	if isZeroKey(d.signedPrekey.Public) {
		if err := d.RotateSignedPrekey(); err != nil {
			return nil, err
		}
	}
	return &PrekeyBundle{
		IdentityKey:          d.identity.dh.Public,
		IdentitySignatureKey: append([]byte(nil), d.identity.signingPublic...),
		SignedPrekey:         d.signedPrekey.Public,
		SignedPrekeySig:      append([]byte(nil), d.signedSig...),
	}, nil
}

// IdentityPublic returns the static public keys for the device.
func (d *Device) IdentityPublic() (dh [32]byte, signing ed25519.PublicKey) {
	if d == nil {
		return [32]byte{}, nil
	}
	return d.identity.dh.Public, append(ed25519.PublicKey(nil), d.identity.signingPublic...)
}

// IdentityKeyPair returns the X25519 identity key pair.
func (d *Device) IdentityKeyPair() KeyPair {
	if d == nil {
		return KeyPair{}
	}
	return d.identity.dh
}

// SignedPrekeyPair returns the current signed prekey pair.
func (d *Device) SignedPrekeyPair() KeyPair {
	if d == nil {
		return KeyPair{}
	}
	return d.signedPrekey
}

// Wipe zeroes all private key material held by the device.
func (d *Device) Wipe() {
	if d == nil {
		return
	}
	wipe(d.identity.signingPrivate)
	wipeKey(&d.identity.dh.Private)
	wipeKey(&d.signedPrekey.Private)
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	wipe(h[:])
	clamp(&out)
	return out
}
