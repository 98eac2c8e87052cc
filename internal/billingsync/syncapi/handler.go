// Package syncapi exposes the internal sync command endpoint and the subscription
// status query, and provides a client that forwards commands to a remote node.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const syncBodyLimit = 64 * 1024

// RecordReader looks up the current record for a user.
type RecordReader interface {
	GetByUserID(ctx context.Context, userID int64) (*subscription.Record, error)
}

// Handler serves the sync and status routes.
type Handler struct {
	applier subscription.Applier
	reader  RecordReader
}

// NewHandler creates a Handler.
func NewHandler(applier subscription.Applier, reader RecordReader) *Handler {
	return &Handler{applier: applier, reader: reader}
}

type syncResponse struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the body of GET /api/subscription/status.
type StatusResponse struct {
	Status           subscription.Status `json:"status"`
	HasSubscription  bool                `json:"has_subscription"`
	CurrentPeriodEnd *time.Time          `json:"current_period_end"`
}

// HandleSync applies one sync command through the Applier.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	defer func() {
		syncmetrics.SyncRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	var req subscription.SyncCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, syncBodyLimit)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid JSON body"})
		return
	}

	cmd, err := req.Command()
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.applier.Apply(r.Context(), req.Meta(), cmd)
	if err != nil {
		status = http.StatusInternalServerError
		if errors.Is(err, subscription.ErrInvalidCommand) {
			status = http.StatusBadRequest
		}
		log.Error().Err(err).
			Str("event_id", req.EventID).
			Str("subscription_id", req.SubscriptionID).
			Msg("Sync command failed")
		writeJSON(w, status, errorResponse{Error: "sync failed"})
		return
	}

	writeJSON(w, status, syncResponse{Status: "ok", Outcome: string(result.Outcome)})
}

// HandleStatus reports the current subscription of ?user_id=.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("user_id")), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id must be a positive integer"})
		return
	}

	rec, err := h.reader.GetByUserID(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Subscription status lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, StatusFromRecord(rec))
}

// StatusFromRecord builds the status view of rec; a nil record reports "none".
func StatusFromRecord(rec *subscription.Record) StatusResponse {
	if rec == nil {
		return StatusResponse{Status: subscription.StatusNone}
	}
	resp := StatusResponse{Status: rec.Status, HasSubscription: rec.IsActive()}
	if !rec.CurrentPeriodEnd.IsZero() {
		end := rec.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	return resp
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billingsync.syncapi: encode response")
	}
}
