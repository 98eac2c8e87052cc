package stripe

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	stripelib "github.com/stripe/stripe-go/v82"
)

const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
)

// CheckoutSession is a minimal representation of a Stripe checkout.session object.
// Customer and Subscription may be ids or expanded objects.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          json.RawMessage   `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription object.
// Older API versions carry the billing period at the top level, newer ones on items.
type Subscription struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Status             string          `json:"status"`
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Period returns the subscription's current billing window.
func (s *Subscription) Period() subscription.Period {
	if s.CurrentPeriodEnd > 0 {
		return subscription.PeriodFromUnix(s.CurrentPeriodStart, s.CurrentPeriodEnd)
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return subscription.PeriodFromUnix(item.CurrentPeriodStart, item.CurrentPeriodEnd)
		}
	}
	return subscription.Period{}
}

// Invoice is a minimal representation of a Stripe invoice object.
type Invoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription from either the legacy
// top-level field or parent.subscription_details.
func (inv *Invoice) SubscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type eventMapper func(env Envelope) subscription.Command

var eventMappers = map[string]eventMapper{
	EventCheckoutSessionCompleted:    mapCheckoutCompleted,
	EventCustomerSubscriptionUpdated: mapSubscriptionUpdated,
	EventCustomerSubscriptionDeleted: mapSubscriptionDeleted,
	EventInvoicePaymentFailed:        mapInvoicePaymentFailed,
}

// MapEvent translates a verified event into a command. Unhandled types and handled
// types missing required fields map to NoOp.
func MapEvent(env Envelope) subscription.Command {
	mapper, ok := eventMappers[env.Type]
	if !ok {
		return subscription.NoOp{Reason: "unhandled event type " + env.Type}
	}
	return mapper(env)
}

func mapCheckoutCompleted(env Envelope) subscription.Command {
	var session CheckoutSession
	if err := json.Unmarshal(env.Object, &session); err != nil {
		return subscription.NoOp{Reason: "undecodable checkout session"}
	}

	switch stripelib.CheckoutSessionPaymentStatus(session.PaymentStatus) {
	case stripelib.CheckoutSessionPaymentStatusPaid, stripelib.CheckoutSessionPaymentStatusNoPaymentRequired:
	default:
		return subscription.NoOp{Reason: "checkout payment status " + session.PaymentStatus}
	}

	subID := expandableID(session.Subscription)
	if subID == "" {
		return subscription.NoOp{Reason: "checkout session without subscription"}
	}
	userID, ok := UserIDFrom(session.ClientReferenceID, session.Metadata)
	if !ok {
		return subscription.NoOp{Reason: "checkout session without user id"}
	}

	cmd := subscription.Activate{
		SubscriptionID: subID,
		CustomerID:     expandableID(session.Customer),
		UserID:         userID,
	}
	if isExpanded(session.Subscription) {
		var sub Subscription
		if err := json.Unmarshal(session.Subscription, &sub); err == nil {
			cmd.Period = sub.Period()
			if cmd.CustomerID == "" {
				cmd.CustomerID = expandableID(sub.Customer)
			}
		}
	}
	return cmd
}

func mapSubscriptionUpdated(env Envelope) subscription.Command {
	var sub Subscription
	if err := json.Unmarshal(env.Object, &sub); err != nil || strings.TrimSpace(sub.ID) == "" {
		return subscription.NoOp{Reason: "subscription without id"}
	}
	status := MapSubscriptionStatus(sub.Status)
	if status == subscription.StatusCanceled {
		return subscription.Cancel{SubscriptionID: sub.ID}
	}
	return subscription.UpdateStatus{SubscriptionID: sub.ID, Status: status, Period: sub.Period()}
}

func mapSubscriptionDeleted(env Envelope) subscription.Command {
	var sub Subscription
	if err := json.Unmarshal(env.Object, &sub); err != nil || strings.TrimSpace(sub.ID) == "" {
		return subscription.NoOp{Reason: "subscription without id"}
	}
	return subscription.Cancel{SubscriptionID: sub.ID}
}

func mapInvoicePaymentFailed(env Envelope) subscription.Command {
	var inv Invoice
	if err := json.Unmarshal(env.Object, &inv); err != nil {
		return subscription.NoOp{Reason: "undecodable invoice"}
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		return subscription.NoOp{Reason: "invoice without subscription"}
	}
	return subscription.UpdateStatus{SubscriptionID: subID, Status: subscription.StatusPastDue}
}

// MapSubscriptionStatus converts a Stripe subscription status to the local status.
// Unknown statuses fail closed to past_due so they never grant access.
func MapSubscriptionStatus(status string) subscription.Status {
	switch stripelib.SubscriptionStatus(strings.ToLower(strings.TrimSpace(status))) {
	case stripelib.SubscriptionStatusActive, stripelib.SubscriptionStatusTrialing:
		return subscription.StatusActive
	case stripelib.SubscriptionStatusCanceled, stripelib.SubscriptionStatusIncompleteExpired:
		return subscription.StatusCanceled
	default:
		return subscription.StatusPastDue
	}
}

// UserIDFrom reads the local user id from a client reference id, falling back to
// the userId or user_id metadata keys.
func UserIDFrom(clientReferenceID string, metadata map[string]string) (int64, bool) {
	candidates := []string{clientReferenceID, metadata["userId"], metadata["user_id"]}
	for _, c := range candidates {
		id, err := strconv.ParseInt(strings.TrimSpace(c), 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// expandableID returns the id of a field that is either a string id or an
// expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
		return strings.TrimSpace(id)
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		return strings.TrimSpace(obj.ID)
	default:
		return ""
	}
}

func isExpanded(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
