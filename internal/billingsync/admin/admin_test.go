package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
)

type fakeCounter struct {
	counts map[subscription.Status]int
	err    error
}

func (f fakeCounter) CountByStatus(context.Context) (map[subscription.Status]int, error) {
	return f.counts, f.err
}

func TestHandleHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestHandleReadyz(t *testing.T) {
	ok := Check{Name: "store", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }}

	rec := httptest.NewRecorder()
	HandleReadyz(ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready code=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleReadyz(ok, down)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "not ready: redis" {
		t.Fatalf("not ready code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	counter := fakeCounter{counts: map[subscription.Status]int{
		subscription.StatusActive:   3,
		subscription.StatusCanceled: 1,
	}}

	rec := httptest.NewRecorder()
	HandleStatus(counter, "v1.2.3")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "v1.2.3" || resp.TotalSubscriptions != 4 || resp.ByStatus[subscription.StatusActive] != 3 {
		t.Fatalf("resp=%+v", resp)
	}

	rec = httptest.NewRecorder()
	HandleStatus(fakeCounter{err: errors.New("boom")}, "dev")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("error code=%d", rec.Code)
	}
}

func TestAdminKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := AdminKeyMiddleware("secret-key", next)

	tests := []struct {
		name   string
		header func(r *http.Request)
		want   int
	}{
		{"no key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-Admin-Key", "nope") }, http.StatusUnauthorized},
		{"header key", func(r *http.Request) { r.Header.Set("X-Admin-Key", "secret-key") }, http.StatusNoContent},
		{"bearer key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-key") }, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/subscription/status", nil)
			tt.header(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code=%d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Key", "anything")
	AdminKeyMiddleware("", next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty configured key must reject, got %d", rec.Code)
	}
}
