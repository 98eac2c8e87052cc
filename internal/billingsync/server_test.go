package billingsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	testAdminKey = "test-admin-key"
	testSecret   = "whsec_service_test"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DataDir:             t.TempDir(),
		BindAddress:         "127.0.0.1",
		Port:                8080,
		AdminKey:            testAdminKey,
		StripeWebhookSecret: testSecret,
		WebhookTolerance:    5 * time.Minute,
		StoreTimeout:        5 * time.Second,
		SuccessURL:          "https://app.example.com/billing/success",
		CancelURL:           "https://app.example.com/billing",
	}
}

func newTestService(t *testing.T, cfg *Config) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, "test-version")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signedEvent(t *testing.T, id, eventType string, created int64, object string) *http.Request {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, created, object)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.RemoteAddr = "192.0.2.1:4000"
	return req
}

func adminRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("X-Admin-Key", testAdminKey)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestService_WebhookToStatus(t *testing.T) {
	svc := newTestService(t, newTestConfig(t))
	h := svc.Handler()

	checkout := signedEvent(t, "evt_1", "checkout.session.completed", 100,
		`{"id":"cs_1","client_reference_id":"42","payment_status":"paid","customer":"cus_1",
		"subscription":{"id":"sub_1","customer":"cus_1","status":"active","items":{"data":[{"current_period_start":1000,"current_period_end":2000}]}}}`)
	rec := do(t, h, checkout)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook code=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID on responses")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", rec.Header())
	}

	rec = do(t, h, adminRequest(http.MethodGet, "/api/subscription/status?user_id=42", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "active" || body["has_subscription"] != true {
		t.Fatalf("status body = %v", body)
	}

	cancel := signedEvent(t, "evt_2", "customer.subscription.deleted", 200, `{"id":"sub_1","status":"canceled"}`)
	if rec := do(t, h, cancel); rec.Code != http.StatusOK {
		t.Fatalf("cancel code=%d", rec.Code)
	}

	body = decodeBody(t, do(t, h, adminRequest(http.MethodGet, "/api/subscription/status?user_id=42", "")))
	if body["status"] != "canceled" || body["has_subscription"] != false {
		t.Fatalf("status after cancel = %v", body)
	}
}

func TestService_SyncEndpoint(t *testing.T) {
	svc := newTestService(t, newTestConfig(t))
	h := svc.Handler()

	payload := `{"user_id":9,"stripe_subscription_id":"sub_9","stripe_customer_id":"cus_9","status":"active","current_period_start":1000,"current_period_end":2000}`

	unauth := httptest.NewRequest(http.MethodPost, "/api/subscription/webhook/sync", strings.NewReader(payload))
	if rec := do(t, h, unauth); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated sync code=%d", rec.Code)
	}

	rec := do(t, h, adminRequest(http.MethodPost, "/api/subscription/webhook/sync", payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync code=%d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["outcome"] != "created" {
		t.Fatalf("sync body = %v", body)
	}

	got, err := svc.Store().GetBySubscriptionID(context.Background(), "sub_9")
	if err != nil || got == nil {
		t.Fatalf("GetBySubscriptionID: rec=%v err=%v", got, err)
	}
	if got.UserID != 9 || got.CurrentPeriodEnd.Unix() != 2000 {
		t.Fatalf("record = %+v", got)
	}
}

func TestService_OperationalRoutes(t *testing.T) {
	svc := newTestService(t, newTestConfig(t))
	h := svc.Handler()

	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz code=%d", rec.Code)
	}
	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("readyz code=%d body=%s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("private metrics code=%d", rec.Code)
	}
	if rec := do(t, h, adminRequest(http.MethodGet, "/metrics", "")); rec.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", rec.Code)
	}

	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/status", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("private status code=%d", rec.Code)
	}
	rec := do(t, h, adminRequest(http.MethodGet, "/status", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	if body := decodeBody(t, rec); body["version"] != "test-version" {
		t.Fatalf("status body = %v", body)
	}
}

func TestService_PublicStatusAndMetrics(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.PublicStatus = true
	cfg.PublicMetrics = true
	h := newTestService(t, cfg).Handler()

	for _, path := range []string{"/status", "/metrics"} {
		if rec := do(t, h, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusOK {
			t.Fatalf("%s code=%d", path, rec.Code)
		}
	}
}

func TestService_SuccessRedirectWithoutSession(t *testing.T) {
	h := newTestService(t, newTestConfig(t)).Handler()

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/stripe/success", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("code=%d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://app.example.com/billing" {
		t.Fatalf("Location = %q", loc)
	}

	// Reconciliation is disabled without an API key; the redirect still succeeds.
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/stripe/success?session_id=cs_test_123", nil))
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "https://app.example.com/billing/success" {
		t.Fatalf("code=%d Location=%q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestService_ForwardsDownstream(t *testing.T) {
	downstream := newTestService(t, newTestConfig(t))
	srv := httptest.NewServer(downstream.Handler())
	defer srv.Close()

	cfg := newTestConfig(t)
	cfg.DownstreamURL = srv.URL + "/api/subscription/webhook/sync"
	ingest := newTestService(t, cfg)

	rec := do(t, ingest.Handler(), signedEvent(t, "evt_fwd", "checkout.session.completed", 100,
		`{"id":"cs_2","client_reference_id":"5","payment_status":"paid","customer":"cus_5",
		"subscription":{"id":"sub_5","status":"active","items":{"data":[{"current_period_start":1000,"current_period_end":2000}]}}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded webhook code=%d body=%s", rec.Code, rec.Body.String())
	}

	got, err := downstream.Store().GetBySubscriptionID(context.Background(), "sub_5")
	if err != nil || got == nil {
		t.Fatalf("downstream record: rec=%v err=%v", got, err)
	}
	if got.LastAppliedEventID != "evt_fwd" {
		t.Fatalf("LastAppliedEventID = %q", got.LastAppliedEventID)
	}

	local, err := ingest.Store().GetBySubscriptionID(context.Background(), "sub_5")
	if err != nil || local != nil {
		t.Fatalf("forwarding node must not write locally: rec=%v err=%v", local, err)
	}
}

func TestService_ThrottlesBadSignatures(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.WebhookRejectLimit = 2
	h := newTestService(t, cfg).Handler()

	forged := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{"id":"evt_x"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		req.RemoteAddr = "198.51.100.77:5000"
		return req
	}
	for i := 0; i < 2; i++ {
		if rec := do(t, h, forged()); rec.Code != http.StatusBadRequest {
			t.Fatalf("forged delivery %d code=%d", i, rec.Code)
		}
	}
	if rec := do(t, h, forged()); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third forged delivery code=%d, want 429", rec.Code)
	}

	// Signed deliveries from another client are unaffected.
	rec := do(t, h, signedEvent(t, "evt_ok", "invoice.paid", 1, `{"id":"in_1"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("signed delivery code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRequestMiddleware_RecoversPanics(t *testing.T) {
	h := RequestMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := do(t, h, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") != "req-7" {
		t.Fatalf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestRun_LoadConfigError(t *testing.T) {
	t.Setenv("SYNC_ADMIN_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load config:") {
		t.Fatalf("Run() error = %q, want load config prefix", err)
	}
}
