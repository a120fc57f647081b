package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/obs"
	"bankcore.org/internal/stream"
)

const serviceName = "bankcore-api"

type breakerState interface {
	State() string
}

// ReadyProbe pings the database when one is configured and fails while the
// exchange-rate circuit breaker is open.
type ReadyProbe struct {
	DB    *sql.DB
	Rates breakerState
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Rates != nil && rp.Rates.State() == "open" {
		return errors.New("exchange-rate directory unavailable")
	}
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Operations ledger.Operations
	Accounts   ledger.AccountService
	Stream     *stream.Stream
	Signer     *auth.Signer
	Ready      readinessChecker
	Version    string
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	ops        ledger.Operations
	accounts   ledger.AccountService
	stream     *stream.Stream
	signer     *auth.Signer
	readyProbe readinessChecker
	version    string

	rateBurst  int
	ratePerSec int
}

// New wires the routes. Everything under /v1 except /v1/info requires a
// bearer token issued by Signer.
func New(d Deps) *API {
	a := &API{
		router:     chi.NewRouter(),
		ops:        d.Operations,
		accounts:   d.Accounts,
		stream:     d.Stream,
		signer:     d.Signer,
		readyProbe: d.Ready,
		version:    d.Version,
		rateBurst:  50,
		ratePerSec: 20,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	r := a.router
	r.Use(obs.Instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Get("/v1/currencies", a.listCurrencies)
	r.Get("/v1/currencies/{code}", a.getCurrency)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Route("/v1/accounts", func(r chi.Router) {
			r.Get("/", a.listAccounts)
			r.Post("/", a.openAccount)
			r.Post("/onboard", a.onboard)
			r.Get("/{number}", a.getAccount)
			r.Patch("/{number}", a.updateAccount)
			r.Get("/{number}/history", a.history)
		})
		r.Post("/v1/operations/deposit", a.deposit)
		r.Post("/v1/operations/withdraw", a.withdraw)
		r.Post("/v1/transfers/phone", a.transferByPhone)
		r.Post("/v1/transfers/account", a.transferByAccount)
		r.Get("/v1/stream", a.Stream)
	})
	return a
}

// SetRateLimit overrides the per-client token bucket used by Handler.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
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

func (a *API) listCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": currency.All()})
}

func (a *API) getCurrency(w http.ResponseWriter, r *http.Request) {
	info, ok := currency.Lookup(currency.Code(strings.ToUpper(chi.URLParam(r, "code"))))
	if !ok {
		writeError(w, r, http.StatusNotFound, "currency not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
