package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Stream serves committed entries touching the caller's accounts as
// Server-Sent Events. Accounts opened after the stream starts are not
// included.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	uid, err := userID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	accounts, err := a.accounts.List(r.Context(), uid)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	numbers := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		numbers = append(numbers, acc.Number)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, numbers)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: entry\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
