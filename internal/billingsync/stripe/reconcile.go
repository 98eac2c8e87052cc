package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"golang.org/x/sync/singleflight"
)

// Reconciler applies the state of a completed checkout session fetched directly from
// Stripe, so the redirect path does not wait for the webhook.
type Reconciler struct {
	apiKey             string
	applier            subscription.Applier
	getCheckoutSession func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	group              singleflight.Group
}

// NewReconciler creates a Reconciler using the Stripe secret key apiKey.
func NewReconciler(apiKey string, applier subscription.Applier) *Reconciler {
	apiKey = strings.TrimSpace(apiKey)
	sessions := &stripesession.Client{B: stripelib.GetBackend(stripelib.APIBackend), Key: apiKey}
	return &Reconciler{
		apiKey:             apiKey,
		applier:            applier,
		getCheckoutSession: sessions.Get,
	}
}

// Reconcile fetches sessionID with its subscription expanded and applies the derived
// command without a ledger entry. Concurrent calls for one session share a result.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (subscription.Result, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !IsSafeStripeID(sessionID) {
		syncmetrics.ReconcileTotal.WithLabelValues("invalid").Inc()
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "reconcile checkout", "",
			fmt.Errorf("invalid checkout session id"))
	}
	if r.apiKey == "" {
		syncmetrics.ReconcileTotal.WithLabelValues("unconfigured").Inc()
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "reconcile checkout", "",
			fmt.Errorf("stripe api key not configured"))
	}

	v, err, shared := r.group.Do(sessionID, func() (any, error) {
		return r.reconcile(ctx, sessionID)
	})
	if err != nil {
		syncmetrics.ReconcileTotal.WithLabelValues("error").Inc()
		return subscription.Result{}, err
	}
	result := v.(subscription.Result)
	if !shared {
		syncmetrics.ReconcileTotal.WithLabelValues(string(result.Outcome)).Inc()
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, sessionID string) (subscription.Result, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.AddExpand("subscription")

	session, err := r.getCheckoutSession(sessionID, params)
	if err != nil {
		return subscription.Result{}, classifyStripeError("get checkout session", err)
	}

	cmd := CommandFromSession(session)
	if noop, ok := cmd.(subscription.NoOp); ok {
		log.Info().Str("session_id", sessionID).Str("reason", noop.Reason).Msg("Checkout reconciliation skipped")
	}

	result, err := r.applier.Apply(ctx, subscription.EventMeta{Type: "checkout.reconcile"}, cmd)
	if err != nil {
		return subscription.Result{}, err
	}
	log.Info().
		Str("session_id", sessionID).
		Str("command", string(cmd.Kind())).
		Str("subscription_id", subscription.SubscriptionIDOf(cmd)).
		Str("outcome", string(result.Outcome)).
		Msg("Checkout reconciled")
	return result, nil
}

// CommandFromSession derives a command from a checkout session whose subscription
// is expanded. Sessions that are unpaid, lack a subscription or a user id, or whose
// subscription already ended yield NoOp.
func CommandFromSession(session *stripelib.CheckoutSession) subscription.Command {
	if session == nil {
		return subscription.NoOp{Reason: "checkout session missing"}
	}
	if session.PaymentStatus != stripelib.CheckoutSessionPaymentStatusPaid {
		return subscription.NoOp{Reason: "checkout payment status " + string(session.PaymentStatus)}
	}
	sub := session.Subscription
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return subscription.NoOp{Reason: "checkout session without subscription"}
	}
	userID, ok := UserIDFrom(session.ClientReferenceID, session.Metadata)
	if !ok {
		return subscription.NoOp{Reason: "checkout session without user id"}
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	} else if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	switch status := MapSubscriptionStatus(string(sub.Status)); status {
	case subscription.StatusActive:
		return subscription.Activate{
			SubscriptionID: sub.ID,
			CustomerID:     customerID,
			UserID:         userID,
			Period:         PeriodOf(sub),
		}
	case subscription.StatusCanceled:
		return subscription.NoOp{Reason: "subscription already ended"}
	default:
		return subscription.UpdateStatus{SubscriptionID: sub.ID, Status: status, Period: PeriodOf(sub)}
	}
}

// classifyStripeError treats client errors other than rate limiting as permanent.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return subscription.NewSyncError(subscription.ErrorKindInvalid, op, "", err)
		}
	}
	return subscription.Transient(op, "", err)
}

// SuccessHandler serves the post-checkout redirect. Reconciliation failures are
// logged and never block the redirect; the webhook path converges eventually.
type SuccessHandler struct {
	reconciler interface {
		Reconcile(ctx context.Context, sessionID string) (subscription.Result, error)
	}
	successURL string
	cancelURL  string
}

// NewSuccessHandler creates a SuccessHandler.
func NewSuccessHandler(reconciler *Reconciler, successURL, cancelURL string) *SuccessHandler {
	return &SuccessHandler{reconciler: reconciler, successURL: successURL, cancelURL: cancelURL}
}

func (h *SuccessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Redirect(w, r, h.cancelURL, http.StatusSeeOther)
		return
	}

	if _, err := h.reconciler.Reconcile(r.Context(), sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Checkout reconciliation failed")
	}
	http.Redirect(w, r, h.successURL, http.StatusSeeOther)
}
