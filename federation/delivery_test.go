package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/action"
	"github.com/cloudillo/cloudillo/scheduler"
)

func runDelivery(t *testing.T, srv *httptest.Server, target, token string) (string, error) {
	t.Helper()
	cfg := Config{Client: srv.Client(), Scheme: "http"}
	build := BuildActionDelivery
	run := NewDeliveryRunner(cfg)

	input := action.DeliveryInput(target, token)
	built, err := build("t1task", input)
	require.NoError(t, err)
	return run(scheduler.RunContext{Context: built})
}

func TestDeliveryRunner_2xxFinishes(t *testing.T) {
	var gotBody inboxSyncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inbox/sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	output, err := runDelivery(t, srv, strings.TrimPrefix(srv.URL, "http://"), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", output)
	assert.Equal(t, "tok1", gotBody.Token)
}

func TestDeliveryRunner_4xxIsTerminalNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	output, err := runDelivery(t, srv, strings.TrimPrefix(srv.URL, "http://"), "tok1")
	require.NoError(t, err, "a 4xx must not be reported as an error, so the scheduler does not retry it")
	assert.Equal(t, "rejected:403", output)
}

func TestDeliveryRunner_5xxIsRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := runDelivery(t, srv, strings.TrimPrefix(srv.URL, "http://"), "tok1")
	require.Error(t, err, "a 5xx must surface as an error so the scheduler retries it")
}

func TestDeliveryRunner_NetworkErrorIsRetryableError(t *testing.T) {
	cfg := Config{Scheme: "http"}
	built, err := BuildActionDelivery("t1task", action.DeliveryInput("127.0.0.1:1", "tok1"))
	require.NoError(t, err)
	_, err = NewDeliveryRunner(cfg)(scheduler.RunContext{Context: built})
	require.Error(t, err)
}

func TestBuildActionDelivery_MalformedInput(t *testing.T) {
	_, err := BuildActionDelivery("t1task", "no-separator-here")
	require.Error(t, err)
}

func TestHandlers_WiresKindDelivery(t *testing.T) {
	h := Handlers(Config{})
	assert.NotNil(t, h.Build)
	assert.NotNil(t, h.Run)
}
