package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"secumsg/cryptocore"
	"secumsg/internal/authz"
	"secumsg/internal/jwtsigner"
	"secumsg/internal/observability/metrics"
	"secumsg/internal/observability/middleware"
	"secumsg/internal/sessions"
	"secumsg/internal/store"
	"secumsg/internal/vault"

	"github.com/google/uuid"
)

const testSecret = "router-test-secret"

func TestMain(m *testing.M) {
	metrics.MustRegister("transport-test")
	os.Exit(m.Run())
}

type node struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func newNode(t *testing.T) *node {
	t.Helper()

	db, err := store.Open(store.OpenConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	mk, err := vault.NewMasterKey(bytes.Repeat([]byte{3}, vault.KeySize))
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	dev, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	mgr := sessions.New(st, mk, cryptocore.NewReplayGuard(), dev)

	router := NewRouter(mgr, RouterConfig{
		Auth: authz.NewHMACValidator(testSecret, "secumsg").Middleware,
	})
	signer, err := jwtsigner.New(testSecret, "secumsg")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	tok, err := signer.Sign("local-client", time.Hour, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &node{
		t:       t,
		handler: middleware.WithRequestAndTrace(middleware.WithMetrics(router)),
		token:   tok,
	}
}

func (n *node) do(method, path string, body any, out any) int {
	n.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			n.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			n.t.Fatalf("%s %s: decode response: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func connectNodes(t *testing.T, alice, bob *node) {
	t.Helper()
	var bundle BundleDTO
	if code := bob.do(http.MethodGet, "/v1/identity/bundle", nil, &bundle); code != http.StatusOK {
		t.Fatalf("bundle: %d", code)
	}
	var hs HandshakeDTO
	if code := alice.do(http.MethodPost, "/v1/sessions", InitiateRequest{PeerID: "bob", Bundle: bundle}, &hs); code != http.StatusCreated {
		t.Fatalf("initiate: %d", code)
	}
	if code := bob.do(http.MethodPost, "/v1/sessions/accept", AcceptRequest{PeerID: "alice", Handshake: hs}, nil); code != http.StatusCreated {
		t.Fatalf("accept: %d", code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	alice, bob := newNode(t), newNode(t)
	connectNodes(t, alice, bob)

	var msg MessageDTO
	if code := alice.do(http.MethodPost, "/v1/sessions/bob/encrypt", EncryptRequest{Plaintext: []byte("hello over http")}, &msg); code != http.StatusOK {
		t.Fatalf("encrypt: %d", code)
	}
	if len(msg.IV) != 12 || len(msg.Header.DHPublic) != 32 {
		t.Fatalf("unexpected message shape: iv=%d dh=%d", len(msg.IV), len(msg.Header.DHPublic))
	}

	var got DecryptResponse
	if code := bob.do(http.MethodPost, "/v1/sessions/alice/decrypt", msg, &got); code != http.StatusOK {
		t.Fatalf("decrypt: %d", code)
	}
	if !got.Accepted || string(got.Plaintext) != "hello over http" || got.Verdict != "fresh" {
		t.Fatalf("unexpected decrypt response: %+v", got)
	}
	if code := bob.do(http.MethodPost, "/v1/sessions/alice/decrypt", msg, nil); code != http.StatusConflict {
		t.Fatalf("redelivery: expected 409, got %d", code)
	}

	var st StatusResponse
	if code := bob.do(http.MethodGet, "/v1/sessions/alice/status", nil, &st); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if !st.Intact || st.ReceivingN != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	var a, b SafetyNumberResponse
	alice.do(http.MethodGet, "/v1/sessions/bob/safety-number?our_id=alice&their_id=bob", nil, &a)
	bob.do(http.MethodGet, "/v1/sessions/alice/safety-number?our_id=bob&their_id=alice", nil, &b)
	if a.SafetyNumber == "" || a.SafetyNumber != b.SafetyNumber {
		t.Fatalf("safety numbers differ: %q vs %q", a.SafetyNumber, b.SafetyNumber)
	}

	if code := alice.do(http.MethodPost, "/v1/sessions/bob/rotate", nil, nil); code != http.StatusNoContent {
		t.Fatalf("rotate: %d", code)
	}
	if code := alice.do(http.MethodDelete, "/v1/sessions/bob", nil, nil); code != http.StatusNoContent {
		t.Fatalf("destroy: %d", code)
	}
	if code := alice.do(http.MethodGet, "/v1/sessions/bob/status", nil, nil); code != http.StatusNotFound {
		t.Fatalf("status after destroy: expected 404, got %d", code)
	}
}

func TestDecryptErrorsMapToStatus(t *testing.T) {
	alice, bob := newNode(t), newNode(t)
	connectNodes(t, alice, bob)

	var msg MessageDTO
	alice.do(http.MethodPost, "/v1/sessions/bob/encrypt", EncryptRequest{Plaintext: []byte("x")}, &msg)

	tampered := msg
	tampered.Ciphertext = append([]byte(nil), msg.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 1
	if code := bob.do(http.MethodPost, "/v1/sessions/alice/decrypt", tampered, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered: expected 422, got %d", code)
	}

	short := msg
	short.IV = msg.IV[:4]
	if code := bob.do(http.MethodPost, "/v1/sessions/alice/decrypt", short, nil); code != http.StatusBadRequest {
		t.Fatalf("short iv: expected 400, got %d", code)
	}

	if code := bob.do(http.MethodPost, "/v1/sessions/carol/decrypt", msg, nil); code != http.StatusNotFound {
		t.Fatalf("unknown peer: expected 404, got %d", code)
	}

	var got DecryptResponse
	if code := bob.do(http.MethodPost, "/v1/sessions/alice/decrypt", msg, &got); code != http.StatusOK || !got.Accepted {
		t.Fatalf("original after failures: code=%d resp=%+v", code, got)
	}
}

func TestInitiateRejectsForgedBundle(t *testing.T) {
	alice, bob := newNode(t), newNode(t)

	var bundle BundleDTO
	bob.do(http.MethodGet, "/v1/identity/bundle", nil, &bundle)
	bundle.SignedPrekeySig[0] ^= 0xff
	if code := alice.do(http.MethodPost, "/v1/sessions", InitiateRequest{PeerID: "bob", Bundle: bundle}, nil); code != http.StatusBadRequest {
		t.Fatalf("forged bundle: expected 400, got %d", code)
	}

	bundle.IdentityKey = bundle.IdentityKey[:16]
	if code := alice.do(http.MethodPost, "/v1/sessions", InitiateRequest{PeerID: "bob", Bundle: bundle}, nil); code != http.StatusBadRequest {
		t.Fatalf("short key: expected 400, got %d", code)
	}
}

func TestAuthAndHealth(t *testing.T) {
	n := newNode(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/identity/bundle", nil)
	rec = httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	n.token = "garbage"
	if code := n.do(http.MethodGet, "/v1/identity/bundle", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", sessions.ErrInvalidRequest), http.StatusBadRequest},
		{cryptocore.ErrInvalidPrekeySignature, http.StatusBadRequest},
		{sessions.ErrSessionNotFound, http.StatusNotFound},
		{sessions.ErrSessionExpired, http.StatusGone},
		{fmt.Errorf("%w: peer bob", sessions.ErrSessionConflict), http.StatusConflict},
		{cryptocore.ErrDuplicateMessage, http.StatusConflict},
		{cryptocore.ErrSkipBoundExceeded, http.StatusConflict},
		{cryptocore.ErrDecryptionFailed, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
