package subscription

import (
	"fmt"
	"strings"
	"time"
)

// SyncCommand is the JSON shape of an internal sync request. It carries one command
// between an ingestion node and the node that owns the store.
type SyncCommand struct {
	UserID             *int64 `json:"user_id,omitempty"`
	SubscriptionID     string `json:"stripe_subscription_id"`
	CustomerID         string `json:"stripe_customer_id,omitempty"`
	Status             string `json:"status"`
	CurrentPeriodStart *int64 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64 `json:"current_period_end,omitempty"`
	EventID            string `json:"event_id,omitempty"`
	EventType          string `json:"event_type,omitempty"`
	OccurredAt         int64  `json:"occurred_at,omitempty"`
}

// Command decodes the request: canceled maps to Cancel, active with a user id to
// Activate, anything else to UpdateStatus.
func (s SyncCommand) Command() (Command, error) {
	subID := strings.TrimSpace(s.SubscriptionID)
	if subID == "" {
		return nil, fmt.Errorf("%w: stripe_subscription_id is required", ErrInvalidCommand)
	}
	status, ok := ParseStatus(s.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported status %q", ErrInvalidCommand, s.Status)
	}

	period := PeriodFromUnix(deref(s.CurrentPeriodStart), deref(s.CurrentPeriodEnd))

	var cmd Command
	switch {
	case status == StatusCanceled:
		cmd = Cancel{SubscriptionID: subID}
	case status == StatusActive && s.UserID != nil:
		cmd = Activate{
			SubscriptionID: subID,
			CustomerID:     strings.TrimSpace(s.CustomerID),
			UserID:         *s.UserID,
			Period:         period,
		}
	default:
		cmd = UpdateStatus{SubscriptionID: subID, Status: status, Period: period}
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Meta returns the event identity carried by the request, if any.
func (s SyncCommand) Meta() EventMeta {
	meta := EventMeta{ID: strings.TrimSpace(s.EventID), Type: s.EventType}
	if s.OccurredAt > 0 {
		meta.OccurredAt = time.Unix(s.OccurredAt, 0).UTC()
	}
	return meta
}

// NewSyncCommand encodes cmd for forwarding. NoOp commands cannot be encoded.
func NewSyncCommand(meta EventMeta, cmd Command) (SyncCommand, error) {
	out := SyncCommand{EventID: meta.ID, EventType: meta.Type}
	if !meta.OccurredAt.IsZero() {
		out.OccurredAt = meta.OccurredAt.Unix()
	}

	switch c := cmd.(type) {
	case Activate:
		uid := c.UserID
		out.UserID = &uid
		out.SubscriptionID = c.SubscriptionID
		out.CustomerID = c.CustomerID
		out.Status = string(StatusActive)
		out.CurrentPeriodStart, out.CurrentPeriodEnd = periodToUnix(c.Period)
	case UpdateStatus:
		out.SubscriptionID = c.SubscriptionID
		out.Status = string(c.Status)
		out.CurrentPeriodStart, out.CurrentPeriodEnd = periodToUnix(c.Period)
	case Cancel:
		out.SubscriptionID = c.SubscriptionID
		out.Status = string(StatusCanceled)
	default:
		return SyncCommand{}, fmt.Errorf("%w: %T cannot be forwarded", ErrInvalidCommand, cmd)
	}
	return out, nil
}

func periodToUnix(p Period) (*int64, *int64) {
	var start, end *int64
	if !p.Start.IsZero() {
		v := p.Start.Unix()
		start = &v
	}
	if !p.End.IsZero() {
		v := p.End.Unix()
		end = &v
	}
	return start, end
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
