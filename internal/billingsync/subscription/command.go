package subscription

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind names a command variant (used in logs and metric labels).
type CommandKind string

const (
	KindActivate     CommandKind = "activate"
	KindUpdateStatus CommandKind = "update_status"
	KindCancel       CommandKind = "cancel"
	KindNoOp         CommandKind = "noop"
)

// Command is a canonical state-transition intent. The set of variants is closed:
// Activate, UpdateStatus, Cancel and NoOp.
type Command interface {
	Kind() CommandKind
	isCommand()
}

// Activate creates a subscription record, or re-activates an existing one when it
// carries a newer billing period.
type Activate struct {
	SubscriptionID string
	CustomerID     string
	UserID         int64
	Period         Period
}

// UpdateStatus moves a subscription between active and past_due. Period is optional.
type UpdateStatus struct {
	SubscriptionID string
	Status         Status
	Period         Period
}

// Cancel terminates a subscription id.
type Cancel struct {
	SubscriptionID string
}

// NoOp is produced for events that must be acknowledged without any state change.
type NoOp struct {
	Reason string
}

func (Activate) Kind() CommandKind     { return KindActivate }
func (UpdateStatus) Kind() CommandKind { return KindUpdateStatus }
func (Cancel) Kind() CommandKind       { return KindCancel }
func (NoOp) Kind() CommandKind         { return KindNoOp }

func (Activate) isCommand()     {}
func (UpdateStatus) isCommand() {}
func (Cancel) isCommand()       {}
func (NoOp) isCommand()         {}

// SubscriptionIDOf returns the subscription id a command targets, or "" for NoOp.
func SubscriptionIDOf(cmd Command) string {
	switch c := cmd.(type) {
	case Activate:
		return c.SubscriptionID
	case UpdateStatus:
		return c.SubscriptionID
	case Cancel:
		return c.SubscriptionID
	default:
		return ""
	}
}

// Validate checks the structural requirements of a command before it reaches the store.
func Validate(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: command is nil", ErrInvalidCommand)
	}
	if _, ok := cmd.(NoOp); ok {
		return nil
	}
	if strings.TrimSpace(SubscriptionIDOf(cmd)) == "" {
		return fmt.Errorf("%w: %s requires a subscription id", ErrInvalidCommand, cmd.Kind())
	}
	switch c := cmd.(type) {
	case Activate:
		if c.UserID <= 0 {
			return fmt.Errorf("%w: activate requires a positive user id, got %d", ErrInvalidCommand, c.UserID)
		}
		if err := validatePeriod(c.Period); err != nil {
			return err
		}
	case UpdateStatus:
		if c.Status != StatusActive && c.Status != StatusPastDue && c.Status != StatusCanceled {
			return fmt.Errorf("%w: unsupported status %q", ErrInvalidCommand, c.Status)
		}
		if err := validatePeriod(c.Period); err != nil {
			return err
		}
	}
	return nil
}

func validatePeriod(p Period) error {
	if p.IsZero() || p.Start.IsZero() {
		return nil
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: period end %s precedes start %s", ErrInvalidCommand,
			p.End.Format(time.RFC3339), p.Start.Format(time.RFC3339))
	}
	return nil
}

// EventMeta identifies the provider event a command was derived from. A zero ID marks
// a command that did not come from an event (reconciliation), which is never ledgered.
type EventMeta struct {
	ID         string
	Type       string
	OccurredAt time.Time
}
