package commands

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"secumsg/cryptocore"
	"secumsg/internal/authz"
	"secumsg/internal/vault"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("sessionctl %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestMasterKey(t *testing.T) {
	out := strings.TrimSpace(mustRun(t, "master-key"))
	raw, err := base64.StdEncoding.DecodeString(out)
	if err != nil || len(raw) != vault.KeySize {
		t.Fatalf("master key %q: len=%d err=%v", out, len(raw), err)
	}
}

func TestKeygenAndBundle(t *testing.T) {
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	identity := filepath.Join(t.TempDir(), "identity.sealed")
	flags := []string{"--identity", identity, "--master-key", key}

	out := mustRun(t, append([]string{"keygen"}, flags...)...)
	if !strings.Contains(out, "Identity key:") {
		t.Fatalf("keygen output: %s", out)
	}
	if _, err := run(t, append([]string{"keygen"}, flags...)...); err == nil {
		t.Fatalf("keygen must refuse to overwrite without --force")
	}

	var bundle map[string][]byte
	if err := json.Unmarshal([]byte(mustRun(t, append([]string{"bundle"}, flags...)...)), &bundle); err != nil {
		t.Fatalf("bundle json: %v", err)
	}
	if len(bundle["identity_key"]) != 32 || len(bundle["signed_prekey"]) != 32 || len(bundle["signed_prekey_sig"]) == 0 {
		t.Fatalf("unexpected bundle: %v", bundle)
	}

	other, _ := vault.GenerateKey()
	if _, err := run(t, "bundle", "--identity", identity, "--master-key", other); err == nil {
		t.Fatalf("bundle with the wrong master key must fail")
	}
}

func TestRotatePrekey(t *testing.T) {
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	identity := filepath.Join(t.TempDir(), "identity.sealed")
	flags := []string{"--identity", identity, "--master-key", key}
	mustRun(t, append([]string{"keygen"}, flags...)...)

	readBundle := func() map[string][]byte {
		var bundle map[string][]byte
		if err := json.Unmarshal([]byte(mustRun(t, append([]string{"bundle"}, flags...)...)), &bundle); err != nil {
			t.Fatalf("bundle json: %v", err)
		}
		return bundle
	}
	before := readBundle()

	out := mustRun(t, append([]string{"rotate-prekey"}, flags...)...)
	after := readBundle()
	if bytes.Equal(before["signed_prekey"], after["signed_prekey"]) {
		t.Fatalf("signed prekey unchanged after rotation")
	}
	if !bytes.Equal(before["identity_key"], after["identity_key"]) {
		t.Fatalf("rotation must keep the identity key")
	}
	if !strings.Contains(out, base64.StdEncoding.EncodeToString(after["signed_prekey"])) {
		t.Fatalf("rotate-prekey output does not show the stored prekey: %s", out)
	}
	if !ed25519.Verify(ed25519.PublicKey(after["identity_signature_key"]), after["signed_prekey"], after["signed_prekey_sig"]) {
		t.Fatalf("rotated prekey signature does not verify")
	}

	if _, err := run(t, "rotate-prekey", "--identity", filepath.Join(t.TempDir(), "missing"), "--master-key", key); err == nil {
		t.Fatalf("expected an error for a missing identity")
	}
}

func TestSafetyNumberCommand(t *testing.T) {
	a := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	b := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))

	ab := mustRun(t, "safety-number", "--our-key", a, "--their-key", b, "--our-id", "alice", "--their-id", "bob")
	ba := mustRun(t, "safety-number", "--our-key", b, "--their-key", a, "--our-id", "bob", "--their-id", "alice")
	if ab != ba {
		t.Fatalf("safety numbers differ: %q vs %q", ab, ba)
	}
	if _, err := run(t, "safety-number", "--our-key", "short", "--their-key", b, "--our-id", "a", "--their-id", "b"); err == nil {
		t.Fatalf("expected an error for an invalid key")
	}
}

func TestInspect(t *testing.T) {
	alice, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bob, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bundle, err := bob.PublishPrekeyBundle()
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	state, _, err := alice.InitSession(bundle)
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	raw, err := cryptocore.SerializeSession(state)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	path := filepath.Join(t.TempDir(), "session.txt")
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := mustRun(t, "inspect", "--session", path)
	for _, want := range []string{"Sending chain:     true (n=0, pn=0)", "Receiving chain:   false", "Intact:            true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "inspect", "--session", path); err == nil {
		t.Fatalf("expected an error for a malformed session")
	}
}

func TestMessageIDCommand(t *testing.T) {
	out := strings.TrimSpace(mustRun(t, "message-id"))
	if !regexp.MustCompile(`^\d+-[0-9a-f]{16}$`).MatchString(out) {
		t.Fatalf("unexpected message id %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	tok := strings.TrimSpace(mustRun(t, "token", "--secret", "s3cret", "--issuer", "secumsg", "--subject", "cli"))
	sub, err := authz.NewHMACValidator("s3cret", "secumsg").Validate(tok)
	if err != nil || sub != "cli" {
		t.Fatalf("minted token: sub=%q err=%v", sub, err)
	}
	if _, err := run(t, "token", "--secret", ""); err == nil {
		t.Fatalf("expected an error without a secret")
	}
}
