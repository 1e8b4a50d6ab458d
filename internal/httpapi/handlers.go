package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adfunds.io/internal/auth"
	"adfunds.io/internal/entitlement"
	"adfunds.io/internal/events"
	"adfunds.io/internal/impersonation"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/obs"
)

const serviceName = "adfunds-api"

// ReadinessChecker reports whether the backing storage answers.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB interface{ Ping(ctx context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Ledger        ledger.Service
	Entitlements  entitlement.Service
	Impersonation *impersonation.Manager
	Tokens        *auth.Tokens
	Bus           *events.Bus
	Ready         ReadinessChecker
	Version       string
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	ledger     ledger.Service
	ents       entitlement.Service
	sessions   *impersonation.Manager
	tokens     *auth.Tokens
	bus        *events.Bus
	ready      ReadinessChecker
	version    string
	rateBurst  int
	ratePerSec float64
}

type Option func(*API)

// WithRateLimit sets the per-client token bucket. Zero rps disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func New(d Deps, opts ...Option) *API {
	a := &API{
		ledger:     d.Ledger,
		ents:       d.Entitlements,
		sessions:   d.Impersonation,
		tokens:     d.Tokens,
		bus:        d.Bus,
		ready:      d.Ready,
		version:    d.Version,
		rateBurst:  100,
		ratePerSec: 50,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, middleware.Recoverer, SecurityHeaders, CORS)
	if a.ratePerSec > 0 {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	}
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, 1<<20) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Route("/v1/orgs/{orgID}", func(r chi.Router) {
			// Settled payments arrive from the payment collaborator, which is
			// not a member of the organization.
			r.Post("/wallet/topups", a.topUp)

			r.Group(func(r chi.Router) {
				r.Use(a.requireOrgAccess)
				r.Get("/wallet", a.getWallet)
				r.Post("/wallet", a.openWallet)
				r.Post("/transfers", a.transfer)
				r.Post("/withdrawals", a.withdraw)
				r.Get("/transactions", a.listTransactions)
				r.Get("/ad-accounts", a.listAdAccountBalances)
				r.Get("/ad-accounts/{assetID}", a.getAdAccountBalance)

				r.Get("/bindings", a.listBindings)
				r.Post("/bindings", a.bindAsset)
				r.Delete("/bindings/{bindingID}", a.revokeBinding)
				r.Get("/applications", a.listApplications)
				r.Post("/applications", a.submitApplication)
				r.Get("/usage", a.usage)
				r.Get("/usage/{assetType}", a.canAllocate)

				r.Get("/events", a.Stream)
			})
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/applications/{applicationID}/process", a.markProcessing)
			r.Post("/applications/{applicationID}/reject", a.rejectApplication)
			r.Post("/applications/{applicationID}/fulfill", a.fulfillApplication)

			r.Get("/impersonations", a.listImpersonations)
			r.Post("/impersonations", a.startImpersonation)
			r.Get("/impersonations/{sessionID}", a.validateImpersonation)
			r.Delete("/impersonations/{sessionID}", a.endImpersonation)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, kindInvalidRequest, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
