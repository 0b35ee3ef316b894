// Package keyfile persists the local device identity as a sealed file.
package keyfile

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"secumsg/cryptocore"
	"secumsg/internal/memzero"
	"secumsg/internal/vault"
)

var identityAD = []byte("secumsg-identity-v1")

// Save seals the device state and atomically replaces path.
func Save(path string, dev *cryptocore.Device, sealer vault.Sealer) error {
	if sealer == nil {
		return errors.New("keyfile: nil sealer")
	}
	state, err := dev.Export()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	defer memzero.Zero(raw)
	sealed, err := sealer.Seal(raw, identityAD)
	if err != nil {
		return fmt.Errorf("keyfile: seal: %w", err)
	}
	return writeFile(path, sealed, 0o600)
}

// Load reads and unseals the device identity stored at path.
func Load(path string, sealer vault.Sealer) (*cryptocore.Device, error) {
	if sealer == nil {
		return nil, errors.New("keyfile: nil sealer")
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := sealer.Open(sealed, identityAD)
	if err != nil {
		return nil, fmt.Errorf("keyfile: open %s: %w", path, err)
	}
	defer memzero.Zero(raw)
	var state cryptocore.DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("keyfile: decode %s: %w", path, err)
	}
	return cryptocore.ImportDevice(&state)
}

// LoadOrCreate loads the identity at path, generating and saving a new one when
// the file does not exist. The boolean reports whether a new identity was
// created.
func LoadOrCreate(path string, sealer vault.Sealer) (*cryptocore.Device, bool, error) {
	dev, err := Load(path, sealer)
	if err == nil {
		return dev, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	dev, err = cryptocore.GenerateIdentityKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, dev, sealer); err != nil {
		return nil, false, err
	}
	return dev, true, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadOrCreateSalt returns the passphrase salt stored at path, creating a
// random one on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < vault.SaltSize {
			return nil, fmt.Errorf("keyfile: salt %s is %d bytes, want at least %d", path, len(salt), vault.SaltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	salt = make([]byte, vault.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := writeFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// OpenSealer builds the master key sealer from a base64 key or, failing that,
// from a passphrase and the salt stored next to the identity file.
func OpenSealer(masterKey, passphrase, identityPath string) (vault.Sealer, error) {
	if masterKey != "" {
		return vault.NewMasterKeyFromBase64(masterKey)
	}
	if passphrase == "" {
		return nil, errors.New("keyfile: a master key or passphrase is required")
	}
	salt, err := LoadOrCreateSalt(identityPath + ".salt")
	if err != nil {
		return nil, err
	}
	return vault.FromPassphrase(passphrase, salt)
}
