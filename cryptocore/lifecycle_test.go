package cryptocore

import (
	"testing"
	"time"
)

func TestForceKeyRotation(t *testing.T) {
	alice, bob := establish(t)
	alice, m0 := mustEncrypt(t, alice, "before")
	bob = mustDecrypt(t, bob, m0, "before")

	oldPub := alice.DHKeyPair.Public
	rotated, err := ForceKeyRotation(alice)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.SendingChainKey.IsPresent() {
		t.Fatalf("sending chain should be cleared")
	}
	if !alice.SendingChainKey.IsPresent() {
		t.Fatalf("rotation mutated its input")
	}

	rotated, m1 := mustEncrypt(t, rotated, "after")
	if m1.Header.DHPublic == oldPub || rotated.DHKeyPair.Public == oldPub {
		t.Fatalf("next message still uses the old ratchet key")
	}
	if m1.Header.PN != 1 || m1.Header.N != 0 {
		t.Fatalf("unexpected header after rotation: pn=%d n=%d", m1.Header.PN, m1.Header.N)
	}
	bob = mustDecrypt(t, bob, m1, "after")

	bob, reply := mustEncrypt(t, bob, "ack")
	mustDecrypt(t, rotated, reply, "ack")
}

// converse runs a0 to bob, b0 to alice, a1 to bob so that both sides have
// completed full ratchet rounds.
func converse(t *testing.T) (*SessionState, *SessionState) {
	t.Helper()
	alice, bob := establish(t)
	alice, a0 := mustEncrypt(t, alice, "a0")
	bob = mustDecrypt(t, bob, a0, "a0")
	bob, b0 := mustEncrypt(t, bob, "b0")
	alice = mustDecrypt(t, alice, b0, "b0")
	alice, a1 := mustEncrypt(t, alice, "a1")
	bob = mustDecrypt(t, bob, a1, "a1")
	return alice, bob
}

func TestForceKeyRotationAfterRatchetRounds(t *testing.T) {
	t.Run("sender rotates", func(t *testing.T) {
		alice, bob := converse(t)
		alice, err := ForceKeyRotation(alice)
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		alice, m := mustEncrypt(t, alice, "after rotation")
		bob = mustDecrypt(t, bob, m, "after rotation")
		bob, reply := mustEncrypt(t, bob, "reply")
		alice = mustDecrypt(t, alice, reply, "reply")
		_, m = mustEncrypt(t, alice, "again")
		mustDecrypt(t, bob, m, "again")
	})

	t.Run("receiver rotates", func(t *testing.T) {
		alice, bob := converse(t)
		bob, err := ForceKeyRotation(bob)
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		bob, m := mustEncrypt(t, bob, "after rotation")
		alice = mustDecrypt(t, alice, m, "after rotation")
		alice, reply := mustEncrypt(t, alice, "reply")
		bob = mustDecrypt(t, bob, reply, "reply")
		_, m = mustEncrypt(t, bob, "again")
		mustDecrypt(t, alice, m, "again")
	})

	t.Run("rotation with unread chain messages", func(t *testing.T) {
		alice, bob := converse(t)
		alice, late := mustEncrypt(t, alice, "late")
		alice, err := ForceKeyRotation(alice)
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		alice, err = ForceKeyRotation(alice)
		if err != nil {
			t.Fatalf("second rotate: %v", err)
		}
		_, m := mustEncrypt(t, alice, "after rotation")
		if m.Header.PN != 2 {
			t.Fatalf("previous chain length: got %d want 2", m.Header.PN)
		}
		bob = mustDecrypt(t, bob, m, "after rotation")
		mustDecrypt(t, bob, late, "late")
	})

	t.Run("peer ratchets before our next send", func(t *testing.T) {
		alice, bob := converse(t)
		alice, err := ForceKeyRotation(alice)
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		bob, b1 := mustEncrypt(t, bob, "b1")
		alice = mustDecrypt(t, alice, b1, "b1")
		_, m := mustEncrypt(t, alice, "a2")
		mustDecrypt(t, bob, m, "a2")
	})
}

func TestDestroySessionWipesSecrets(t *testing.T) {
	alice, bob := establish(t)
	alice, _ = mustEncrypt(t, alice, "zero")
	_, m1 := mustEncrypt(t, alice, "one")
	bob = mustDecrypt(t, bob, m1, "one")
	if bob.SkippedKeyCount() != 1 {
		t.Fatalf("expected one skipped key before destroy")
	}

	DestroySession(bob)
	var zero [32]byte
	if bob.RootKey != zero || bob.DHKeyPair.Private != zero {
		t.Fatalf("root or private key not wiped")
	}
	if bob.SendingChainKey.IsPresent() || bob.ReceivingChainKey.IsPresent() {
		t.Fatalf("chain keys still present")
	}
	if k, _ := bob.ReceivingChainKey.Get(); k != zero {
		t.Fatalf("chain key bytes survived")
	}
	if bob.SkippedKeyCount() != 0 {
		t.Fatalf("skipped keys not wiped")
	}
	if bob.Validate() == nil {
		t.Fatalf("destroyed session still validates")
	}
	DestroySession(nil)
}

func TestSessionExpiry(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	restore := UseClock(func() time.Time { return start })
	defer restore()

	alice, _ := establish(t)
	if !alice.CreatedAt.Equal(start) {
		t.Fatalf("created at: got %v want %v", alice.CreatedAt, start)
	}
	if IsExpired(alice, start.Add(DefaultSessionLifetime)) {
		t.Fatalf("session expired at exactly its lifetime")
	}
	if !IsExpired(alice, start.Add(DefaultSessionLifetime+time.Second)) {
		t.Fatalf("session not expired after its lifetime")
	}
	if !alice.Expired(start.Add(2*time.Hour), time.Hour) {
		t.Fatalf("custom lifetime ignored")
	}
	if !IsExpired(nil, start) {
		t.Fatalf("nil session must count as expired")
	}
}

func TestVerifySessionIntegrity(t *testing.T) {
	alice, _ := establish(t)
	at := alice.CreatedAt.Add(time.Minute)
	if !VerifySessionIntegrity(alice, at) {
		t.Fatalf("fresh session failed integrity check")
	}
	if VerifySessionIntegrity(alice, alice.CreatedAt.Add(DefaultSessionLifetime+time.Minute)) {
		t.Fatalf("expired session passed integrity check")
	}
	broken := alice.Clone()
	broken.DHKeyPair.Public[0] ^= 0x01
	if VerifySessionIntegrity(broken, at) {
		t.Fatalf("mismatched key pair passed integrity check")
	}
}
