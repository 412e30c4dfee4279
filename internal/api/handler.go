package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/call"
	"github.com/mikeyg42/callsignal/internal/calllog"
	"github.com/mikeyg42/callsignal/internal/negotiator"
	"github.com/mikeyg42/callsignal/internal/settings"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

// Calls is the user-facing side of call.Machine.
type Calls interface {
	OnOutgoingCallRequest(ctx context.Context, peer signaling.PeerID) (uuid.UUID, error)
	Answer(ctx context.Context) error
	Decline(ctx context.Context) error
	OnLocalHangup(ctx context.Context) error
	SetAudioMuted(ctx context.Context, muted bool) error
	SetVideoEnabled(ctx context.Context, enabled bool) error
	FlipCamera(ctx context.Context) error
	SetAudioDevice(ctx context.Context, device call.AudioDevice) error
	SetNetworkAvailable(ctx context.Context, up bool) error
	Snapshot() call.Snapshot
}

type History interface {
	List(ctx context.Context, limit int) ([]calllog.Entry, error)
	ListForPeer(ctx context.Context, peer signaling.PeerID) ([]calllog.Entry, error)
}

type Preferences interface {
	Current() settings.Settings
	SetNotificationsEnabled(enabled bool) error
	Approve(peer signaling.PeerID) error
}

// Handler serves the control API. History and Preferences may be nil.
type Handler struct {
	calls   Calls
	history History
	prefs   Preferences
	limiter *RateLimiter
	logger  *zap.Logger
}

func NewHandler(calls Calls, history History, prefs Preferences, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{
		calls:   calls,
		history: history,
		prefs:   prefs,
		limiter: NewRateLimiter(10, time.Minute),
		logger:  logger.Named("api"),
	}
}

// Limiter is the call placement rate limiter, for the caller to Run.
func (h *Handler) Limiter() *RateLimiter { return h.limiter }

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/call", func(r chi.Router) {
		r.Get("/", h.getCall)
		r.With(h.limiter.Middleware).Post("/", h.placeCall)
		r.Post("/answer", h.action(h.calls.Answer))
		r.Post("/decline", h.action(h.calls.Decline))
		r.Post("/hangup", h.action(h.calls.OnLocalHangup))
		r.Post("/flip", h.action(h.calls.FlipCamera))
		r.Post("/mute", h.setMuted)
		r.Post("/video", h.setVideo)
		r.Post("/audio-device", h.setAudioDevice)
	})
	r.Post("/api/network", h.setNetwork)
	r.Get("/api/history", h.getHistory)
	r.Get("/api/settings", h.getSettings)
	r.Put("/api/settings/notifications", h.setNotifications)
	r.Post("/api/contacts", h.approveContact)
	return r
}

func (h *Handler) getCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

type placeCallRequest struct {
	Peer signaling.PeerID `json:"peer"`
}

type placeCallResponse struct {
	CallID uuid.UUID `json:"call_id"`
}

func (h *Handler) placeCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, "peer is required")
		return
	}
	id, err := h.calls.OnOutgoingCallRequest(r.Context(), req.Peer)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeCallResponse{CallID: id})
}

// action adapts a no-argument call operation and replies with the new
// call snapshot.
func (h *Handler) action(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.calls.Snapshot())
	}
}

func (h *Handler) setMuted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.calls.SetAudioMuted(r.Context(), req.Muted); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

func (h *Handler) setVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.calls.SetVideoEnabled(r.Context(), req.Enabled); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

func (h *Handler) setAudioDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device string `json:"device"`
	}
	if !decode(w, r, &req) {
		return
	}
	device, ok := call.ParseAudioDevice(req.Device)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown audio device "+strconv.Quote(req.Device))
		return
	}
	if err := h.calls.SetAudioDevice(r.Context(), device); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Available bool `json:"available"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.calls.SetNetworkAvailable(r.Context(), req.Available); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}
	var (
		entries []calllog.Entry
		err     error
	)
	if peer := r.URL.Query().Get("peer"); peer != "" {
		entries, err = h.history.ListForPeer(r.Context(), signaling.PeerID(peer))
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err = h.history.List(r.Context(), limit)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []calllog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	if h.prefs == nil {
		writeError(w, http.StatusServiceUnavailable, "settings disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.prefs.Current())
}

func (h *Handler) setNotifications(w http.ResponseWriter, r *http.Request) {
	if h.prefs == nil {
		writeError(w, http.StatusServiceUnavailable, "settings disabled")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.prefs.SetNotificationsEnabled(req.Enabled); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.prefs.Current())
}

func (h *Handler) approveContact(w http.ResponseWriter, r *http.Request) {
	if h.prefs == nil {
		writeError(w, http.StatusServiceUnavailable, "settings disabled")
		return
	}
	var req placeCallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, "peer is required")
		return
	}
	if err := h.prefs.Approve(req.Peer); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.prefs.Current())
}

// fail maps call errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var negErr *negotiator.NegotiationError
	switch {
	case errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &negErr):
		h.logger.Warn("negotiation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
