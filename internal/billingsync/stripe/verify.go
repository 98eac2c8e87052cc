package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance is the maximum accepted clock distance for a signed payload.
const DefaultTolerance = 5 * time.Minute

// Envelope is a verified Stripe event. Object holds data.object undecoded.
type Envelope struct {
	ID         string
	Type       string
	Created    time.Time
	Livemode   bool
	APIVersion string
	Object     json.RawMessage
}

// Meta returns the ledger identity of the event.
func (e Envelope) Meta() subscription.EventMeta {
	return subscription.EventMeta{ID: e.ID, Type: e.Type, OccurredAt: e.Created}
}

// Verifier authenticates webhook payloads against the shared endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A zero tolerance uses DefaultTolerance and a nil
// clock uses time.Now.
func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance, now: now}
}

// Configured reports whether a secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

type rawEvent struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify checks the v1 signature and timestamp in sigHeader, then decodes payload.
func (v *Verifier) Verify(payload []byte, sigHeader string) (Envelope, error) {
	if !v.Configured() {
		return Envelope{}, subscription.NewSyncError(subscription.ErrorKindAuthentication, "verify webhook", "",
			fmt.Errorf("webhook secret not configured"))
	}
	if strings.TrimSpace(sigHeader) == "" {
		return Envelope{}, authError(fmt.Errorf("missing Stripe signature"))
	}

	if err := webhook.ValidatePayloadIgnoringTolerance(payload, sigHeader, v.secret); err != nil {
		return Envelope{}, authError(err)
	}

	signedAt, err := signatureTimestamp(sigHeader)
	if err != nil {
		return Envelope{}, authError(err)
	}
	if skew := v.now().Sub(signedAt); skew > v.tolerance || skew < -v.tolerance {
		return Envelope{}, authError(fmt.Errorf("signature timestamp %s outside tolerance %s", signedAt.UTC().Format(time.RFC3339), v.tolerance))
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, malformedError(fmt.Errorf("decode event: %w", err))
	}
	switch {
	case raw.Object != "" && raw.Object != "event":
		return Envelope{}, malformedError(fmt.Errorf("unexpected object %q", raw.Object))
	case strings.TrimSpace(raw.ID) == "":
		return Envelope{}, malformedError(fmt.Errorf("event id missing"))
	case strings.TrimSpace(raw.Type) == "":
		return Envelope{}, malformedError(fmt.Errorf("event type missing"))
	case len(raw.Data.Object) == 0 || string(raw.Data.Object) == "null":
		return Envelope{}, malformedError(fmt.Errorf("event data.object missing"))
	}

	env := Envelope{
		ID:         raw.ID,
		Type:       raw.Type,
		Livemode:   raw.Livemode,
		APIVersion: raw.APIVersion,
		Object:     raw.Data.Object,
	}
	if raw.Created > 0 {
		env.Created = time.Unix(raw.Created, 0).UTC()
	}
	return env, nil
}

// signatureTimestamp extracts t= from a Stripe-Signature header.
func signatureTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key != "t" {
			continue
		}
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid signature timestamp %q", value)
		}
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("signature timestamp missing")
}

func authError(err error) error {
	return subscription.NewSyncError(subscription.ErrorKindAuthentication, "verify webhook", "", err)
}

func malformedError(err error) error {
	return subscription.NewSyncError(subscription.ErrorKindMalformed, "decode webhook", "", err)
}
