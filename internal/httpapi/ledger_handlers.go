package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/ledger"
)

type listAccountsResponse struct {
	Items []ledger.Account `json:"items"`
}

type historyResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter int64                `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	items, err := a.accounts.List(r.Context(), uid)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Account{}
	}
	writeJSON(w, http.StatusOK, listAccountsResponse{Items: items})
}

func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var req ledger.OpenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.accounts.Open(r.Context(), uid, req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+acc.Number)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) onboard(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	acc, err := a.accounts.Onboard(r.Context(), uid)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	acc, err := a.accounts.Get(r.Context(), uid, chi.URLParam(r, "number"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var patch ledger.AccountPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.accounts.Update(r.Context(), uid, chi.URLParam(r, "number"), patch)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
	}
	items, next, err := a.accounts.History(r.Context(), uid, chi.URLParam(r, "number"), limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items, NextAfter: next, AsOf: time.Now().UTC()})
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	var req ledger.DepositRequest
	a.operate(w, r, &req, func(uid string) (ledger.Receipt, error) {
		return a.ops.Deposit(r.Context(), uid, req)
	})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	var req ledger.WithdrawRequest
	a.operate(w, r, &req, func(uid string) (ledger.Receipt, error) {
		return a.ops.Withdraw(r.Context(), uid, req)
	})
}

func (a *API) transferByPhone(w http.ResponseWriter, r *http.Request) {
	var req ledger.PhoneTransferRequest
	a.operate(w, r, &req, func(uid string) (ledger.Receipt, error) {
		return a.ops.TransferByPhone(r.Context(), uid, req)
	})
}

func (a *API) transferByAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.AccountTransferRequest
	a.operate(w, r, &req, func(uid string) (ledger.Receipt, error) {
		return a.ops.TransferByAccount(r.Context(), uid, req)
	})
}

// operate decodes the body into req and runs op for the authenticated user.
func (a *API) operate(w http.ResponseWriter, r *http.Request, req any, op func(uid string) (ledger.Receipt, error)) {
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if err := decodeJSON(w, r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := op(uid)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrPolicy):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, ledger.ErrLockTimeout.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
