// Package federation implements the outbound half of spec §4.I: every
// ActionDeliveryTask posts an already-signed action token to a target
// tenant's /inbox/sync endpoint. 2xx finishes the task; 4xx is a
// terminal failure; 5xx or a transport error is retried under the
// scheduler's existing backoff policy. Grounded on eve's
// http/client.go, which draws exactly this line ("don't retry on
// client errors (4xx)") inside its own retry loop — reproduced here as
// the scheduler's retry lever instead of a private loop, since task
// retries already belong to scheduler.RetryPolicy. No third-party HTTP
// client appears anywhere in the example pack (eve's own outbound
// calls are all net/http, e.g. http/client.go, network/http_client.go);
// resty and go-fed/httpsig sit in eve's go.mod only as indirect,
// never-imported transitive deps, so net/http stays the grounded
// choice here too (see DESIGN.md).
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudillo/cloudillo/action"
	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/logging"
	"github.com/cloudillo/cloudillo/scheduler"
)

var log = logging.WithComponent("federation")

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Config configures the outbound delivery client.
type Config struct {
	Client  *http.Client  // nil builds one with Timeout
	Scheme  string        // "https" in production; tests override to "http"
	Timeout time.Duration // per-request timeout, default DefaultTimeout
}

func (c Config) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c Config) scheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return "https"
}

// deliveryContext is the scheduler.Builder-reconstructed (target, token)
// pair action.DeliveryInput serialized.
type deliveryContext struct {
	Target string
	Token  string
}

// BuildActionDelivery is the scheduler.Builder for action.KindDelivery.
func BuildActionDelivery(taskID, input string) (any, error) {
	target, token, ok := action.SplitDeliveryInput(input)
	if !ok || target == "" || token == "" {
		return nil, clerr.New(clerr.Internal, "action.delivery: malformed input")
	}
	return deliveryContext{Target: target, Token: token}, nil
}

// inboxSyncRequest is the POST /inbox/sync body, spec §6.
type inboxSyncRequest struct {
	Token string `json:"token"`
}

// NewDeliveryRunner returns the scheduler.Runner for action.KindDelivery:
// POST {"token": ...} to <scheme>://<target>/inbox/sync. A 4xx response
// is reported back as a successful (non-error) output rather than an
// error, since the scheduler only retries when Run returns an error
// (scheduler/scheduler.go's fail()) and spec §4.I requires 4xx to never
// retry. A 5xx response or any transport error returns a NetworkError so
// the scheduler's backoff retries it, up to DefaultRetryPolicy's 50
// attempts over 10s..12h.
func NewDeliveryRunner(cfg Config) scheduler.Runner {
	httpClient := cfg.client()
	scheme := cfg.scheme()
	return func(rc scheduler.RunContext) (string, error) {
		ctx, ok := rc.Context.(deliveryContext)
		if !ok {
			return "", clerr.New(clerr.Internal, "action.delivery: missing build context")
		}

		body, err := json.Marshal(inboxSyncRequest{Token: ctx.Token})
		if err != nil {
			return "", clerr.Wrap(clerr.Internal, "encode inbox/sync body", err)
		}

		url := fmt.Sprintf("%s://%s/inbox/sync", scheme, ctx.Target)
		reqCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", clerr.Wrap(clerr.Internal, "build inbox/sync request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", clerr.Wrap(clerr.NetworkError, "deliver action to "+ctx.Target, err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return "delivered", nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			log.WithFields(map[string]any{"target": ctx.Target, "status": resp.StatusCode}).
				Warn("action delivery rejected, not retrying")
			return fmt.Sprintf("rejected:%d", resp.StatusCode), nil
		default:
			return "", clerr.New(clerr.NetworkError, fmt.Sprintf("delivery to %s: server error %d: %s", ctx.Target, resp.StatusCode, truncate(respBody, 200)))
		}
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Handlers packages BuildActionDelivery/NewDeliveryRunner as the
// action.DeliveryHandlers the composition root assigns to
// Pipeline.Delivery before calling Pipeline.RegisterTasks, so
// action.KindDelivery is never scheduled unregistered.
func Handlers(cfg Config) action.DeliveryHandlers {
	return action.DeliveryHandlers{Build: BuildActionDelivery, Run: NewDeliveryRunner(cfg)}
}
