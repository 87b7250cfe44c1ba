package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/internal/services"
	"auction-realtime/pkg/logger"

	"github.com/gorilla/mux"
)

// SessionController is the part of a Session the status API drives.
type SessionController interface {
	ID() string
	State() domain.ConnectionState
	CurrentRooms() []string
	Join(ctx context.Context, auctionID string) error
	Leave(auctionID string) error
	Window(auctionID string) (services.WindowSnapshot, bool)
	Stats() services.SessionStats
}

type StatusHandler struct {
	session SessionController
	relay   func() services.RelayStats
	prices  domain.PriceCache
	log     logger.Logger
	started time.Time
}

type StatusOption func(*StatusHandler)

// WithRelayStats adds relay counters to /stats.
func WithRelayStats(stats func() services.RelayStats) StatusOption {
	return func(h *StatusHandler) { h.relay = stats }
}

// WithPriceCache adds the cached price to room details.
func WithPriceCache(prices domain.PriceCache) StatusOption {
	return func(h *StatusHandler) { h.prices = prices }
}

func NewStatusHandler(session SessionController, log logger.Logger, opts ...StatusOption) *StatusHandler {
	h := &StatusHandler{
		session: session,
		log:     log,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the status routes on router.
func (h *StatusHandler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/rooms", h.ListRooms).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{auctionID}", h.GetRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{auctionID}", h.JoinRoom).Methods(http.MethodPut)
	router.HandleFunc("/rooms/{auctionID}", h.LeaveRoom).Methods(http.MethodDelete)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.session.State()
	status := http.StatusOK
	if state != domain.StateConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     state.String(),
		"session_id": h.session.ID(),
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func (h *StatusHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": h.session.CurrentRooms(),
	})
}

type roomResponse struct {
	Window *services.WindowSnapshot `json:"window,omitempty"`
	Price  *domain.AuctionPrice     `json:"cached_price,omitempty"`
	Joined bool                     `json:"joined"`
}

func (h *StatusHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]

	var resp roomResponse
	for _, id := range h.session.CurrentRooms() {
		if id == auctionID {
			resp.Joined = true
			break
		}
	}
	if window, ok := h.session.Window(auctionID); ok {
		resp.Window = &window
	}
	if h.prices != nil {
		price, err := h.prices.GetPrice(r.Context(), auctionID)
		if err != nil {
			h.log.Warn("Failed to read cached price", "auction_id", auctionID, "error", err)
		}
		resp.Price = price
	}

	if !resp.Joined && resp.Window == nil && resp.Price == nil {
		writeError(w, http.StatusNotFound, "room not joined")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	h.log.Info("Join requested", "auction_id", auctionID)

	err := h.session.Join(r.Context(), auctionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auction_id": auctionID,
			"joined":     true,
			"rooms":      h.session.CurrentRooms(),
		})
	case errors.Is(err, domain.ErrJoinTimeout):
		// Membership stays recorded and is replayed on reconnect.
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, domain.ErrJoinCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("Join failed", "auction_id", auctionID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *StatusHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	h.log.Info("Leave requested", "auction_id", auctionID)

	if err := h.session.Leave(auctionID); err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.log.Error("Leave failed", "auction_id", auctionID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"session": h.session.Stats(),
	}
	if h.relay != nil {
		resp["relay"] = h.relay()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
