package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
)

// Ingestor runs one webhook delivery through verification, mapping and the Applier.
type Ingestor struct {
	verifier        *Verifier
	applier         subscription.Applier
	apiKey          string
	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// IngestResult describes a processed delivery.
type IngestResult struct {
	EventID   string
	EventType string
	Command   subscription.CommandKind
	Outcome   subscription.Outcome
}

// NewIngestor creates an Ingestor. When apiKey is set, Activate commands without a
// billing period are enriched from the Stripe API.
func NewIngestor(verifier *Verifier, applier subscription.Applier, apiKey string) *Ingestor {
	apiKey = strings.TrimSpace(apiKey)
	subs := &stripesubscription.Client{B: stripelib.GetBackend(stripelib.APIBackend), Key: apiKey}
	return &Ingestor{
		verifier:        verifier,
		applier:         applier,
		apiKey:          apiKey,
		getSubscription: subs.Get,
	}
}

// Ingest verifies payload, maps it and applies the resulting command. The returned
// result carries the event identity even on error when verification succeeded.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (IngestResult, error) {
	env, err := i.verifier.Verify(payload, sigHeader)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{EventID: env.ID, EventType: env.Type}

	cmd := MapEvent(env)
	result.Command = cmd.Kind()
	if noop, ok := cmd.(subscription.NoOp); ok {
		log.Info().
			Str("event_id", env.ID).
			Str("type", env.Type).
			Str("reason", noop.Reason).
			Msg("Stripe webhook ignored")
	}

	if activate, ok := cmd.(subscription.Activate); ok && activate.Period.IsZero() {
		enriched, err := i.enrichActivate(activate)
		if err != nil {
			return result, subscription.Transient("fetch subscription", activate.SubscriptionID, err)
		}
		cmd = enriched
	}

	applied, err := i.applier.Apply(ctx, env.Meta(), cmd)
	if err != nil {
		return result, err
	}
	result.Outcome = applied.Outcome

	log.Info().
		Str("event_id", env.ID).
		Str("type", env.Type).
		Str("command", string(result.Command)).
		Str("subscription_id", subscription.SubscriptionIDOf(cmd)).
		Str("outcome", string(result.Outcome)).
		Msg("Stripe webhook processed")
	return result, nil
}

func (i *Ingestor) enrichActivate(cmd subscription.Activate) (subscription.Activate, error) {
	if i.apiKey == "" {
		return cmd, nil
	}

	sub, err := i.getSubscription(cmd.SubscriptionID, nil)
	if err != nil {
		var stripeErr *stripelib.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			log.Warn().Str("subscription_id", cmd.SubscriptionID).Msg("Subscription not found during checkout enrichment")
			return cmd, nil
		}
		return cmd, fmt.Errorf("get subscription %s: %w", cmd.SubscriptionID, err)
	}
	if sub == nil {
		return cmd, nil
	}

	cmd.Period = PeriodOf(sub)
	if cmd.CustomerID == "" && sub.Customer != nil {
		cmd.CustomerID = sub.Customer.ID
	}
	return cmd, nil
}

// PeriodOf returns the billing window of an API subscription, read from its first
// item that carries one.
func PeriodOf(sub *stripelib.Subscription) subscription.Period {
	if sub == nil || sub.Items == nil {
		return subscription.Period{}
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			return subscription.PeriodFromUnix(item.CurrentPeriodStart, item.CurrentPeriodEnd)
		}
	}
	return subscription.Period{}
}
