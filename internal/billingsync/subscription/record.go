// Package subscription holds the persisted subscription projection, the closed set of
// state-transition commands derived from billing events, and the Guard that decides
// whether a command may be applied to the store.
package subscription

import (
	"strings"
	"time"
)

// Status is the locally tracked lifecycle state of a subscription.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// KnownStatuses lists every status in a stable order (used for metric label sets).
var KnownStatuses = []Status{StatusNone, StatusActive, StatusPastDue, StatusCanceled}

// ParseStatus converts a wire value into a Status. Only statuses a sync command may
// carry are accepted; "none" is a read-side value and is rejected.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, true
	case StatusPastDue:
		return StatusPastDue, true
	case StatusCanceled:
		return StatusCanceled, true
	default:
		return "", false
	}
}

// Period is a billing cycle window. A zero End means the period is unknown.
type Period struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the period carries no end.
func (p Period) IsZero() bool {
	return p.End.IsZero()
}

// PeriodFromUnix builds a Period from epoch seconds; zero values map to zero times.
func PeriodFromUnix(start, end int64) Period {
	return Period{Start: unixOrZero(start), End: unixOrZero(end)}
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Record is the authoritative projection of one provider subscription.
type Record struct {
	UserID             int64     `json:"user_id"`
	SubscriptionID     string    `json:"provider_subscription_id"`
	CustomerID         string    `json:"provider_customer_id"`
	Status             Status    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	LastAppliedEventID string    `json:"last_applied_event_id"`
	LastEventAt        time.Time `json:"last_event_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Version            int64     `json:"version"`
}

// Period returns the record's current billing window.
func (r *Record) Period() Period {
	if r == nil {
		return Period{}
	}
	return Period{Start: r.CurrentPeriodStart, End: r.CurrentPeriodEnd}
}

// IsActive reports whether the record grants paid access.
func (r *Record) IsActive() bool {
	return r != nil && r.Status == StatusActive
}
