package stripe

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	ingestor *Ingestor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(ingestor *Ingestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// ServeHTTP verifies the Stripe signature and applies the event. Stripe redelivers
// anything answered with a non-2xx status.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		syncmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		syncmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.ingestor.verifier.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if result.EventType != "" {
		eventType = result.EventType
	}
	if err != nil {
		status = statusForError(err)
		logEvent := log.Warn()
		if status >= http.StatusInternalServerError {
			logEvent = log.Error()
		}
		logEvent.Err(err).
			Str("event_id", result.EventID).
			Str("type", result.EventType).
			Int("status", status).
			Msg("Stripe webhook rejected")
		writeJSON(w, status, webhookErrorResponse{Error: publicMessage(err)})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Status: string(result.Outcome)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, subscription.ErrAuthentication),
		errors.Is(err, subscription.ErrMalformedPayload),
		errors.Is(err, subscription.ErrInvalidCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, subscription.ErrAuthentication):
		return "invalid Stripe signature"
	case errors.Is(err, subscription.ErrMalformedPayload):
		return "malformed event"
	case errors.Is(err, subscription.ErrInvalidCommand):
		return "invalid event"
	default:
		return "processing failed"
	}
}
