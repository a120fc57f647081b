package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankcore.org/internal/ledger"
)

func TestStreamDeliversOwnEntries(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice")
	acc := api.onboard("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", alice["Authorization"])
	resp, err := api.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": stream started"))
	require.Eventually(t, func() bool { return api.stream.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	dep := api.post("/v1/operations/deposit", map[string]any{
		"account_number": acc.Number,
		"amount":         "10",
	}, alice)
	require.Equal(t, http.StatusCreated, dep.StatusCode)
	dep.Body.Close()

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var entry ledger.Transaction
	require.NoError(t, json.Unmarshal([]byte(data), &entry))
	assert.Equal(t, acc.Number, entry.ToAccount)
	assert.Equal(t, ledger.MethodDeposit, entry.Method)
}
