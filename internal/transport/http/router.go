package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"secumsg/cryptocore"
	"secumsg/internal/httpx"
	"secumsg/internal/observability/middleware"
	"secumsg/internal/sessions"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type RouterConfig struct {
	// Auth guards every /v1 route.
	Auth               func(http.Handler) http.Handler
	CORSOrigins        []string
	RateLimitPerMinute int
}

func NewRouter(mgr *sessions.Manager, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Trace-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httpx.LogRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{mgr: mgr}
	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			v1.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}
		if cfg.Auth != nil {
			v1.Use(cfg.Auth)
		}

		v1.Get("/identity/bundle", h.bundle)
		v1.Post("/sessions", h.initiate)
		v1.Post("/sessions/accept", h.accept)
		v1.Post("/sessions/purge", h.purge)
		v1.Route("/sessions/{peerID}", func(s chi.Router) {
			s.Post("/encrypt", h.encrypt)
			s.Post("/decrypt", h.decrypt)
			s.Post("/rotate", h.rotate)
			s.Delete("/", h.destroy)
			s.Get("/safety-number", h.safetyNumber)
			s.Get("/status", h.status)
		})
	})
	return r
}

type handlers struct {
	mgr *sessions.Manager
}

func (h *handlers) bundle(w http.ResponseWriter, r *http.Request) {
	b, err := h.mgr.Bundle()
	if err != nil {
		fail(w, r, "publish bundle", err)
		return
	}
	writeJSON(w, http.StatusOK, bundleToDTO(b))
}

func (h *handlers) initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if !decode(w, r, &req) {
		return
	}
	bundle, err := req.Bundle.toBundle()
	if err != nil {
		fail(w, r, "initiate session", err)
		return
	}
	hs, err := h.mgr.Initiate(r.Context(), req.PeerID, bundle)
	if err != nil {
		fail(w, r, "initiate session", err, "peer_id", req.PeerID)
		return
	}
	writeJSON(w, http.StatusCreated, handshakeToDTO(hs))
}

func (h *handlers) accept(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	hs, err := req.Handshake.toHandshake()
	if err != nil {
		fail(w, r, "accept session", err)
		return
	}
	if err := h.mgr.Accept(r.Context(), req.PeerID, hs); err != nil {
		fail(w, r, "accept session", err, "peer_id", req.PeerID)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) encrypt(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	var req EncryptRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := h.mgr.Encrypt(r.Context(), peerID, req.Plaintext)
	if err != nil {
		fail(w, r, "encrypt", err, "peer_id", peerID)
		return
	}
	writeJSON(w, http.StatusOK, messageToDTO(msg))
}

func (h *handlers) decrypt(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	var req MessageDTO
	if !decode(w, r, &req) {
		return
	}
	msg, err := req.toMessage()
	if err != nil {
		fail(w, r, "decrypt", err, "peer_id", peerID)
		return
	}
	got, err := h.mgr.Decrypt(r.Context(), peerID, msg)
	if err != nil {
		fail(w, r, "decrypt", err, "peer_id", peerID)
		return
	}
	writeJSON(w, http.StatusOK, DecryptResponse{
		MessageID: got.ID,
		SentAt:    got.SentAt,
		Plaintext: got.Body,
		Accepted:  got.Accepted,
		Verdict:   got.Verdict.String(),
	})
}

func (h *handlers) rotate(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if err := h.mgr.Rotate(r.Context(), peerID); err != nil {
		fail(w, r, "rotate", err, "peer_id", peerID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) destroy(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if err := h.mgr.Destroy(r.Context(), peerID); err != nil {
		fail(w, r, "destroy", err, "peer_id", peerID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) safetyNumber(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	q := r.URL.Query()
	sn, err := h.mgr.SafetyNumber(r.Context(), peerID, q.Get("our_id"), q.Get("their_id"))
	if err != nil {
		fail(w, r, "safety number", err, "peer_id", peerID)
		return
	}
	writeJSON(w, http.StatusOK, SafetyNumberResponse{PeerID: peerID, SafetyNumber: sn})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	st, err := h.mgr.Status(r.Context(), peerID)
	if err != nil {
		fail(w, r, "status", err, "peer_id", peerID)
		return
	}
	writeJSON(w, http.StatusOK, statusToDTO(st))
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.mgr.PurgeExpired(r.Context())
	if err != nil {
		fail(w, r, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Removed: n})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		slog.Warn("request decode failed", "error", err, "path", r.URL.Path,
			"request_id", middleware.RequestIDFromContext(r.Context()),
			"trace_id", middleware.TraceIDFromContext(r.Context()))
		return false
	}
	return true
}

// fail maps err to a status code and logs it. Internal errors are not echoed
// to the client.
func fail(w http.ResponseWriter, r *http.Request, op string, err error, attrs ...any) {
	status, msg := statusFor(err)
	attrs = append(attrs,
		"op", op,
		"status", status,
		"error", err,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	)
	switch {
	case status >= http.StatusInternalServerError:
		slog.Error("request failed", attrs...)
	case cryptocore.IsFatal(err):
		slog.Error("session must be renegotiated", attrs...)
	default:
		slog.Warn("request rejected", attrs...)
	}
	http.Error(w, msg, status)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sessions.ErrInvalidRequest),
		errors.Is(err, cryptocore.ErrInvalidPrekeySignature),
		errors.Is(err, cryptocore.ErrInvalidRemoteKey):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, sessions.ErrSessionExpired):
		return http.StatusGone, "session expired"
	case errors.Is(err, sessions.ErrSessionConflict):
		return http.StatusConflict, "session changed concurrently; retry"
	case errors.Is(err, cryptocore.ErrDuplicateMessage):
		return http.StatusConflict, "duplicate message"
	case errors.Is(err, cryptocore.ErrSkipBoundExceeded):
		return http.StatusConflict, "too many skipped messages; renegotiate the session"
	case errors.Is(err, cryptocore.ErrDecryptionFailed):
		return http.StatusUnprocessableEntity, "decryption failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func originsIfSet(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}
