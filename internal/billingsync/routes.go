package billingsync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/subsync/internal/billingsync/admin"
	"github.com/rcourtman/subsync/internal/billingsync/registry"
	"github.com/rcourtman/subsync/internal/billingsync/stripe"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncapi"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config *Config
	Store  registry.Store

	// Local applies commands against Store. The sync endpoint always uses it.
	Local *subscription.Guard

	Ingestor   *stripe.Ingestor
	Reconciler *stripe.Reconciler
	Checks     []admin.Check
	Limiter    *RejectLimiter
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Checks...))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRejectLimiter(deps.Config.WebhookRejectLimit, defaultWebhookRejectWindow)
	}
	mux.Handle("/api/stripe/webhook", limiter.Middleware(stripe.NewWebhookHandler(deps.Ingestor)))

	// Post-checkout redirect (public; reconciliation failures never block it)
	mux.Handle("/api/stripe/success", stripe.NewSuccessHandler(deps.Reconciler, deps.Config.SuccessURL, deps.Config.CancelURL))

	// Internal sync API (key-authenticated)
	syncHandler := syncapi.NewHandler(deps.Local, deps.Store)
	mux.Handle("/api/subscription/webhook/sync", adminAuth(http.HandlerFunc(syncHandler.HandleSync)))
	mux.Handle("/api/subscription/status", adminAuth(http.HandlerFunc(syncHandler.HandleStatus)))
}
