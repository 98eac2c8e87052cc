package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
)

const defaultClientTimeout = 10 * time.Second

// Client forwards commands to a remote sync endpoint. It satisfies
// subscription.Applier, so an ingestion node can run without a local store.
type Client struct {
	endpoint   string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a Client posting to endpoint with the given admin key.
func NewClient(endpoint, adminKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		endpoint:   strings.TrimSpace(endpoint),
		adminKey:   adminKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Apply posts cmd as a sync command. NoOp commands are not sent.
func (c *Client) Apply(ctx context.Context, meta subscription.EventMeta, cmd subscription.Command) (subscription.Result, error) {
	if _, ok := cmd.(subscription.NoOp); ok {
		return subscription.Result{Outcome: subscription.OutcomeIgnored}, nil
	}
	subID := subscription.SubscriptionIDOf(cmd)

	body, err := subscription.NewSyncCommand(meta, cmd)
	if err != nil {
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "forward command", subID, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "forward command", subID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "forward command", subID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return subscription.Result{}, subscription.Transient("forward command", subID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, syncBodyLimit))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return subscription.Result{}, subscription.Transient("forward command", subID,
			fmt.Errorf("sync endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	case resp.StatusCode >= 400:
		return subscription.Result{}, subscription.NewSyncError(subscription.ErrorKindInvalid, "forward command", subID,
			fmt.Errorf("sync endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var decoded syncResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return subscription.Result{}, subscription.Transient("forward command", subID, fmt.Errorf("decode sync response: %w", err))
	}
	return subscription.Result{Outcome: subscription.Outcome(decoded.Outcome)}, nil
}
