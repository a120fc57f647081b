package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/lock"
	"bankcore.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *ledger.InMemory
	stream  *stream.Stream
	signer  *auth.Signer
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := ledger.NewInMemory()
	locker := lock.NewLocal(time.Second)
	hub := stream.New()
	signer, err := auth.NewSigner("test-secret", auth.DefaultIssuer)
	require.NoError(t, err)

	engine := ledger.NewEngine(store, store, currency.NewStatic(currency.DefaultRates()), locker,
		ledger.WithObserver(hub))
	api := New(Deps{
		Operations: engine,
		Accounts:   ledger.NewAccounts(store, locker),
		Stream:     hub,
		Signer:     signer,
		Version:    "test",
	})
	api.SetRateLimit(1000, 1000)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		stream:  hub,
		signer:  signer,
		t:       t,
	}
}

func (c *apiClient) token(userID string) map[string]string {
	c.t.Helper()
	tok, err := c.signer.Issue(userID, "", time.Hour)
	require.NoError(c.t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
	return v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (c *apiClient) onboard(userID string) ledger.Account {
	c.t.Helper()
	resp := c.post("/v1/accounts/onboard", nil, c.token(userID))
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return decode[ledger.Account](c.t, resp)
}

func TestAPIOperationsFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice")

	accA := api.onboard("alice")
	assert.True(t, accA.Primary)
	assert.Equal(t, ledger.Debit, accA.Type)
	assert.Equal(t, currency.RUB, accA.Currency)

	accB := api.onboard("bob")
	require.NoError(t, api.store.RegisterPhone("bob", "9001234567"))

	resp := api.post("/v1/operations/deposit", map[string]any{
		"account_number": accA.Number,
		"amount":         "500.00",
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	receipt := decode[ledger.Receipt](t, resp)
	assert.True(t, receipt.Balance.Equal(dec("500")), receipt.Balance.String())
	assert.Equal(t, ledger.MethodDeposit, receipt.Entry.Method)

	resp = api.post("/v1/transfers/phone", map[string]any{
		"account_number": accA.Number,
		"phone":          "9001234567",
		"amount":         "200",
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	receipt = decode[ledger.Receipt](t, resp)
	assert.True(t, receipt.Balance.Equal(dec("300")))
	assert.Equal(t, accB.Number, receipt.Counterparty)

	resp = api.post("/v1/transfers/account", map[string]any{
		"account_number":    accA.Number,
		"to_account_number": accB.Number,
		"amount":            "50.5",
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	receipt = decode[ledger.Receipt](t, resp)
	assert.True(t, receipt.Balance.Equal(dec("249.5")))

	resp = api.post("/v1/operations/withdraw", map[string]any{
		"account_number": accA.Number,
		"amount":         "49.5",
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.get("/v1/accounts/"+accB.Number, nil, api.token("bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ledger.Account](t, resp)
	assert.True(t, got.Balance.Equal(dec("250.5")))

	resp = api.get("/v1/accounts/"+accA.Number+"/history", url.Values{"limit": {"2"}}, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[historyResponse](t, resp)
	require.Len(t, page.Items, 2)
	assert.NotZero(t, page.NextAfter)

	resp = api.get("/v1/accounts/"+accA.Number+"/history",
		url.Values{"limit": {"10"}, "after": {"2"}}, alice)
	page = decode[historyResponse](t, resp)
	assert.Len(t, page.Items, 2)
	assert.Zero(t, page.NextAfter)
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice")
	acc := api.onboard("alice")
	other := api.onboard("bob")

	cases := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"insufficient funds", "/v1/operations/withdraw", map[string]any{"account_number": acc.Number, "amount": "1"}, http.StatusConflict},
		{"non-positive amount", "/v1/operations/deposit", map[string]any{"account_number": acc.Number, "amount": "0"}, http.StatusBadRequest},
		{"too many fraction digits", "/v1/operations/deposit", map[string]any{"account_number": acc.Number, "amount": "1.001"}, http.StatusBadRequest},
		{"extreme exponent", "/v1/operations/deposit", map[string]any{"account_number": acc.Number, "amount": "1e-1000000000"}, http.StatusBadRequest},
		{"bad account number", "/v1/operations/deposit", map[string]any{"account_number": "123", "amount": "1"}, http.StatusBadRequest},
		{"foreign account", "/v1/operations/deposit", map[string]any{"account_number": other.Number, "amount": "1"}, http.StatusNotFound},
		{"unknown phone", "/v1/transfers/phone", map[string]any{"account_number": acc.Number, "phone": "9000000000", "amount": "1"}, http.StatusNotFound},
		{"same account", "/v1/transfers/account", map[string]any{"account_number": acc.Number, "to_account_number": acc.Number, "amount": "1"}, http.StatusConflict},
		{"unknown field", "/v1/operations/deposit", map[string]any{"account_number": acc.Number, "amount": "1", "bonus": true}, http.StatusBadRequest},
		{"ceiling", "/v1/operations/deposit", map[string]any{"account_number": acc.Number, "amount": "30000.01"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body, alice)
			body := decode[map[string]any](t, resp)
			assert.Equal(t, tc.status, resp.StatusCode, body)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestAPIAccountManagement(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice")
	primary := api.onboard("alice")

	resp := api.post("/v1/accounts", map[string]any{"type": "Credit", "currency": "USD"}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Location"))
	credit := decode[ledger.Account](t, resp)
	assert.Equal(t, ledger.Credit, credit.Type)
	assert.False(t, credit.Primary)

	resp = api.post("/v1/accounts", map[string]any{"type": "Savings", "currency": "USD"}, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/v1/accounts/"+credit.Number, map[string]any{"primary": true}, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ledger.Account](t, resp).Primary)

	resp = api.do(http.MethodPatch, "/v1/accounts/"+credit.Number, map[string]any{"type": "Debit"}, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.get("/v1/accounts", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[listAccountsResponse](t, resp)
	require.Len(t, list.Items, 2)
	assert.Equal(t, primary.Number, list.Items[0].Number)
	assert.False(t, list.Items[0].Primary)
	assert.True(t, list.Items[1].Primary)

	resp = api.get("/v1/accounts/"+credit.Number, nil, api.token("bob"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/accounts/onboard", nil, nil)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp = api.get("/v1/accounts", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	foreign, err := auth.NewSigner("other-secret", auth.DefaultIssuer)
	require.NoError(t, err)
	tok, err := foreign.Issue("alice", "", time.Hour)
	require.NoError(t, err)
	resp = api.get("/v1/accounts", nil, map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = api.get("/v1/info", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, serviceName, decode[map[string]any](t, resp)["name"])

	resp = api.get("/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = api.get("/v1/currencies", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]currency.Info](t, resp)
	assert.Len(t, list["items"], 6)

	resp = api.get("/v1/currencies/usd", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "840", decode[currency.Info](t, resp).Numeric)

	resp = api.get("/v1/currencies/KZT", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = api.get("/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("db down") }

type fakeBreaker string

func (b fakeBreaker) State() string { return string(b) }

func TestReadyFailsWhileRateBreakerOpen(t *testing.T) {
	api := New(Deps{Ready: ReadyProbe{Rates: fakeBreaker("open")}})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "exchange-rate")

	api = New(Deps{Ready: ReadyProbe{Rates: fakeBreaker("half-open")}})
	rr = httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyReportsFailure(t *testing.T) {
	api := New(Deps{Ready: failingReadiness{}})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "db down")
}

type busyOperations struct{ ledger.Operations }

func (busyOperations) Deposit(context.Context, string, ledger.DepositRequest) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.Contention(errors.New("lock wait"))
}

func TestContentionMapsToRetryAfter(t *testing.T) {
	signer, err := auth.NewSigner("s", auth.DefaultIssuer)
	require.NoError(t, err)
	api := New(Deps{Operations: busyOperations{}, Signer: signer})
	tok, err := signer.Issue("alice", "", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/operations/deposit",
		bytes.NewBufferString(`{"account_number":"40817810900010000001","amount":"1"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}
