package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"secumsg/cryptocore"
	"secumsg/internal/memzero"
	"secumsg/internal/observability/metrics"
	"secumsg/internal/store"
	"secumsg/internal/vault"
)

const maxPeerIDLength = 256

// envelope is the plaintext carried inside every ratchet message. The id and
// timestamp feed the replay guard on the receiving side.
type envelope struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sent_at"`
	Body   []byte    `json:"body"`
}

// Received is the outcome of Decrypt. Accepted is false when the replay guard
// dropped the message; the stored session is left untouched in that case.
type Received struct {
	ID       string
	SentAt   time.Time
	Body     []byte
	Accepted bool
	Verdict  cryptocore.ReplayVerdict
}

type Status struct {
	PeerID           string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ExpiresAt        time.Time
	Expired          bool
	Intact           bool
	SendingN         uint32
	ReceivingN       uint32
	PreviousSendingN uint32
	SkippedKeys      int
}

// Manager owns every stored session of the local device. Operations on the
// same peer are serialized; different peers proceed in parallel.
type Manager struct {
	store    *store.Store
	sealer   vault.Sealer
	guard    *cryptocore.ReplayGuard
	device   *cryptocore.Device
	logger   *slog.Logger
	now      func() time.Time
	lifetime time.Duration
	newID    func() (string, error)

	mu    sync.Mutex
	locks map[string]*peerLock
}

// peerLock serializes work on one peer. It is dropped from the map once no
// caller holds or waits for it.
type peerLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

func New(st *store.Store, sealer vault.Sealer, guard *cryptocore.ReplayGuard, device *cryptocore.Device, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		sealer:   sealer,
		guard:    guard,
		device:   device,
		logger:   slog.Default(),
		now:      time.Now,
		lifetime: cryptocore.DefaultSessionLifetime,
		newID:    cryptocore.GenerateMessageID,
		locks:    make(map[string]*peerLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bundle publishes the local prekey bundle.
func (m *Manager) Bundle() (*cryptocore.PrekeyBundle, error) {
	return m.device.PublishPrekeyBundle()
}

// Initiate runs X3DH against bundle and stores the resulting session for
// peerID, replacing any previous one. The returned handshake must reach the
// peer before it can decrypt.
func (m *Manager) Initiate(ctx context.Context, peerID string, bundle *cryptocore.PrekeyBundle) (*cryptocore.HandshakeMessage, error) {
	if err := validPeerID(peerID); err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: missing prekey bundle", ErrInvalidRequest)
	}
	unlock := m.lock(peerID)
	defer unlock()

	state, hs, err := m.device.InitSession(bundle)
	if err != nil {
		m.record("initiate", err)
		return nil, err
	}
	defer cryptocore.DestroySession(state)

	if err := m.create(ctx, peerID, bundle.IdentityKey, state); err != nil {
		m.record("initiate", err)
		return nil, err
	}
	m.record("initiate", nil)
	m.logger.Info("session initiated", "peer_id", peerID)
	m.refreshGauge(ctx)
	return hs, nil
}

// Accept completes X3DH as the responder for a handshake sent by peerID.
func (m *Manager) Accept(ctx context.Context, peerID string, hs *cryptocore.HandshakeMessage) error {
	if err := validPeerID(peerID); err != nil {
		return err
	}
	if hs == nil {
		return fmt.Errorf("%w: missing handshake", ErrInvalidRequest)
	}
	unlock := m.lock(peerID)
	defer unlock()

	state, err := m.device.AcceptSession(hs)
	if err != nil {
		m.record("accept", err)
		return err
	}
	defer cryptocore.DestroySession(state)

	if err := m.create(ctx, peerID, hs.IdentityKey, state); err != nil {
		m.record("accept", err)
		return err
	}
	m.record("accept", nil)
	m.logger.Info("session accepted", "peer_id", peerID)
	m.refreshGauge(ctx)
	return nil
}

// Encrypt wraps body in an envelope with a fresh message id and encrypts it
// under the session with peerID.
func (m *Manager) Encrypt(ctx context.Context, peerID string, body []byte) (*cryptocore.EncryptedMessage, error) {
	if err := validPeerID(peerID); err != nil {
		return nil, err
	}
	unlock := m.lock(peerID)
	defer unlock()

	state, err := m.loadLive(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer cryptocore.DestroySession(state)

	id, err := m.newID()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(envelope{ID: id, SentAt: m.now().UTC(), Body: body})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(plaintext)

	next, msg, err := cryptocore.Encrypt(state, plaintext)
	if err != nil {
		m.record("encrypt", err)
		return nil, err
	}
	defer cryptocore.DestroySession(next)
	m.observeRatchet(state, next)

	if err := m.persist(ctx, peerID, next); err != nil {
		m.record("encrypt", err)
		return nil, err
	}
	m.record("encrypt", nil)
	m.logger.Debug("message encrypted", "peer_id", peerID, "message_id", id, "n", msg.Header.N)
	return msg, nil
}

// Decrypt opens msg from peerID. Authentication failures and skip-bound
// violations return an error and leave the stored session unchanged. Replays
// return Accepted false with a nil error.
func (m *Manager) Decrypt(ctx context.Context, peerID string, msg *cryptocore.EncryptedMessage) (*Received, error) {
	if err := validPeerID(peerID); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: missing message", ErrInvalidRequest)
	}
	unlock := m.lock(peerID)
	defer unlock()

	state, err := m.loadLive(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer cryptocore.DestroySession(state)

	next, plaintext, err := cryptocore.Decrypt(state, msg)
	if err != nil {
		m.record("decrypt", err)
		m.logger.Warn("decrypt failed", "peer_id", peerID, "n", msg.Header.N, "fatal", cryptocore.IsFatal(err), "error", err)
		return nil, err
	}
	defer cryptocore.DestroySession(next)
	defer memzero.Zero(plaintext)

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil || env.ID == "" {
		m.record("decrypt", ErrInvalidRequest)
		return nil, fmt.Errorf("%w: malformed envelope", ErrInvalidRequest)
	}

	verdict := m.guard.Check(env.ID, env.SentAt)
	if verdict != cryptocore.ReplayFresh {
		metrics.ReplayRejectionsTotal.WithLabelValues(verdict.String()).Inc()
		m.logger.Info("message dropped by replay guard", "peer_id", peerID, "message_id", env.ID, "verdict", verdict.String())
		return &Received{ID: env.ID, SentAt: env.SentAt, Verdict: verdict}, nil
	}

	m.observeRatchet(state, next)
	if err := m.persist(ctx, peerID, next); err != nil {
		m.record("decrypt", err)
		return nil, err
	}
	m.record("decrypt", nil)
	m.logger.Debug("message decrypted", "peer_id", peerID, "message_id", env.ID, "n", msg.Header.N)
	return &Received{
		ID:       env.ID,
		SentAt:   env.SentAt,
		Body:     append([]byte(nil), env.Body...),
		Accepted: true,
		Verdict:  verdict,
	}, nil
}

// Rotate drops the sending chain of the session with peerID so that the next
// Encrypt ratchets to a fresh local key pair.
func (m *Manager) Rotate(ctx context.Context, peerID string) error {
	if err := validPeerID(peerID); err != nil {
		return err
	}
	unlock := m.lock(peerID)
	defer unlock()

	state, err := m.loadLive(ctx, peerID)
	if err != nil {
		return err
	}
	defer cryptocore.DestroySession(state)

	next, err := cryptocore.ForceKeyRotation(state)
	if err != nil {
		m.record("rotate", err)
		return err
	}
	defer cryptocore.DestroySession(next)

	if err := m.persist(ctx, peerID, next); err != nil {
		m.record("rotate", err)
		return err
	}
	m.record("rotate", nil)
	m.logger.Info("ratchet key rotated", "peer_id", peerID)
	return nil
}

// Destroy deletes the stored session with peerID.
func (m *Manager) Destroy(ctx context.Context, peerID string) error {
	if err := validPeerID(peerID); err != nil {
		return err
	}
	unlock := m.lock(peerID)
	defer unlock()

	if err := m.store.Sessions().Delete(ctx, peerID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	m.logger.Info("session destroyed", "peer_id", peerID)
	m.refreshGauge(ctx)
	return nil
}

// SafetyNumber derives the out-of-band verification code for the session
// with peerID.
func (m *Manager) SafetyNumber(ctx context.Context, peerID, ourID, theirID string) (string, error) {
	if err := validPeerID(peerID); err != nil {
		return "", err
	}
	if ourID == "" || theirID == "" {
		return "", fmt.Errorf("%w: user ids are required", ErrInvalidRequest)
	}
	rec, err := m.get(ctx, peerID)
	if err != nil {
		return "", err
	}
	var theirs [32]byte
	if len(rec.RemoteIdentity) != len(theirs) {
		return "", fmt.Errorf("%w: stored remote identity", cryptocore.ErrMalformedSession)
	}
	copy(theirs[:], rec.RemoteIdentity)
	ours, _ := m.device.IdentityPublic()
	return cryptocore.GenerateSafetyNumber(ours, theirs, ourID, theirID), nil
}

// Status reports counters and health of the session with peerID without
// changing it.
func (m *Manager) Status(ctx context.Context, peerID string) (*Status, error) {
	if err := validPeerID(peerID); err != nil {
		return nil, err
	}
	unlock := m.lock(peerID)
	defer unlock()

	_, state, err := m.load(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer cryptocore.DestroySession(state)

	at := m.now()
	expired := state.Expired(at, m.lifetime)
	return &Status{
		PeerID:           peerID,
		CreatedAt:        state.CreatedAt,
		LastActivityAt:   state.LastActivityAt,
		ExpiresAt:        state.CreatedAt.Add(m.lifetime),
		Expired:          expired,
		Intact:           !expired && state.Validate() == nil,
		SendingN:         state.SendingN,
		ReceivingN:       state.ReceivingN,
		PreviousSendingN: state.PreviousSendingN,
		SkippedKeys:      state.SkippedKeyCount(),
	}, nil
}

// PurgeExpired deletes every session whose lifetime has ended and returns how
// many were removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := m.store.Sessions().Expired(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		unlock := m.lock(id)
		err := m.store.Sessions().Delete(ctx, id)
		unlock()
		if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return removed, err
		}
		if err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("expired sessions purged", "count", removed)
	}
	m.refreshGauge(ctx)
	return removed, nil
}

func (m *Manager) lock(peerID string) func() {
	m.mu.Lock()
	l, ok := m.locks[peerID]
	if !ok {
		l = &peerLock{}
		m.locks[peerID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, peerID)
		}
		m.mu.Unlock()
	}
}

// create stores a fresh session for peerID, dropping any previous one in the
// same transaction.
func (m *Manager) create(ctx context.Context, peerID string, remoteIdentity [32]byte, state *cryptocore.SessionState) error {
	sealed, err := m.seal(peerID, state)
	if err != nil {
		return err
	}
	rec := &store.Session{
		PeerID:         peerID,
		Sealed:         sealed,
		RemoteIdentity: remoteIdentity[:],
		ExpiresAt:      state.CreatedAt.Add(m.lifetime).UTC(),
	}
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Sessions().Delete(ctx, peerID); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return err
		}
		return tx.Sessions().Create(ctx, rec)
	})
	if errors.Is(err, store.ErrSessionExists) {
		return fmt.Errorf("%w: peer %s", ErrSessionConflict, peerID)
	}
	return err
}

func (m *Manager) persist(ctx context.Context, peerID string, state *cryptocore.SessionState) error {
	sealed, err := m.seal(peerID, state)
	if err != nil {
		return err
	}
	if err := m.store.Sessions().UpdateSealed(ctx, peerID, sealed); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

func (m *Manager) seal(peerID string, state *cryptocore.SessionState) ([]byte, error) {
	raw, err := cryptocore.SerializeSession(state)
	if err != nil {
		return nil, err
	}
	buf := []byte(raw)
	defer memzero.Zero(buf)
	return m.sealer.Seal(buf, []byte(peerID))
}

func (m *Manager) get(ctx context.Context, peerID string) (*store.Session, error) {
	rec, err := m.store.Sessions().Get(ctx, peerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (m *Manager) load(ctx context.Context, peerID string) (*store.Session, *cryptocore.SessionState, error) {
	rec, err := m.get(ctx, peerID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := m.sealer.Open(rec.Sealed, []byte(peerID))
	if err != nil {
		return nil, nil, fmt.Errorf("open session %s: %w", peerID, err)
	}
	defer memzero.Zero(raw)
	state, err := cryptocore.DeserializeSession(string(raw))
	if err != nil {
		return nil, nil, err
	}
	return rec, state, nil
}

// loadLive loads the session and refuses it once its lifetime has ended.
func (m *Manager) loadLive(ctx context.Context, peerID string) (*cryptocore.SessionState, error) {
	_, state, err := m.load(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if state.Expired(m.now(), m.lifetime) {
		cryptocore.DestroySession(state)
		return nil, ErrSessionExpired
	}
	return state, nil
}

func (m *Manager) observeRatchet(prev, next *cryptocore.SessionState) {
	if prev.DHKeyPair.Public != next.DHKeyPair.Public || prev.RemoteDHPublic != next.RemoteDHPublic {
		metrics.DHRatchetStepsTotal.WithLabelValues().Inc()
	}
}

func (m *Manager) record(operation string, err error) {
	metrics.RatchetOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *Manager) refreshGauge(ctx context.Context) {
	n, err := m.store.Sessions().Count(ctx)
	if err != nil {
		m.logger.Warn("count sessions", "error", err)
		return
	}
	metrics.SessionsActive.WithLabelValues().Set(float64(n))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cryptocore.ErrDecryptionFailed):
		return "auth_failed"
	case errors.Is(err, cryptocore.ErrDuplicateMessage):
		return "duplicate"
	case errors.Is(err, cryptocore.ErrSkipBoundExceeded):
		return "skip_bound"
	case errors.Is(err, cryptocore.ErrMalformedSession):
		return "malformed"
	case errors.Is(err, cryptocore.ErrInvalidPrekeySignature), errors.Is(err, cryptocore.ErrInvalidRemoteKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}

func validPeerID(peerID string) error {
	if peerID == "" || len(peerID) > maxPeerIDLength {
		return fmt.Errorf("%w: peer id must be 1-%d bytes", ErrInvalidRequest, maxPeerIDLength)
	}
	return nil
}
