package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// SubmitRequest is the body POSTed to the deploy webhook.
type SubmitRequest struct {
	RunID      string  `json:"run_id"`
	GatingKey  string  `json:"gating_key"`
	Series     string  `json:"series"`
	Episode    int     `json:"episode_number"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Caveat     string  `json:"caveat,omitempty"`
}

type submitResponse struct {
	Handle string `json:"handle"`
	ID     string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero or negative removes
// the cap.
func WithRateLimit(perSec float64) WebhookOption {
	return func(w *Webhook) {
		if perSec <= 0 {
			w.limiter = nil
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// Webhook publishes through an HTTP deploy hook:
//
//	POST {base}/deployments          -> {"handle": "..."}
//	GET  {base}/deployments/{handle} -> {"status": "pending|succeeded|failed"}
type Webhook struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook publisher. token is sent as a bearer token
// when non-empty.
func NewWebhook(baseURL, token string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(1, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// IdempotencyKeyHeader carries the run id on every submit.
const IdempotencyKeyHeader = "Idempotency-Key"

// Submit starts a deployment for ep. The run id is sent as the idempotency
// key so a retried submit maps to the same deployment.
func (w *Webhook) Submit(ctx context.Context, ep *model.Episode) (string, error) {
	const op = "publish.submit"
	if ep == nil || ep.RunID == "" {
		return "", resilience.MalformedPayload(op, eris.New("episode run id is required"))
	}
	payload, err := json.Marshal(SubmitRequest{
		RunID:      ep.RunID,
		GatingKey:  ep.GatingKey,
		Series:     string(ep.Series),
		Episode:    ep.Number,
		Title:      ep.Title,
		Confidence: ep.Confidence,
		Status:     ep.Status.String(),
		Caveat:     ep.Caveat,
	})
	if err != nil {
		return "", resilience.MalformedPayload(op, eris.Wrap(err, "marshal submit request"))
	}

	// Resubmitting a run id must not start a second deployment.
	hdr := http.Header{}
	hdr.Set(IdempotencyKeyHeader, ep.RunID)
	body, err := w.do(ctx, op, http.MethodPost, w.baseURL+"/deployments", payload, hdr)
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", resilience.ExternalCallFailure(op, eris.Wrap(err, "decode submit response"))
	}
	handle := resp.Handle
	if handle == "" {
		handle = resp.ID
	}
	if handle == "" {
		return "", resilience.ExternalCallFailure(op, eris.New("submit response carried no handle"))
	}
	return handle, nil
}

// PollStatus fetches the deployment status for handle.
func (w *Webhook) PollStatus(ctx context.Context, handle string) (Status, error) {
	const op = "publish.poll"
	if handle == "" {
		return StatusPending, resilience.MalformedPayload(op, eris.New("handle is required"))
	}
	body, err := w.do(ctx, op, http.MethodGet, w.baseURL+"/deployments/"+url.PathEscape(handle), nil, nil)
	if err != nil {
		return StatusPending, err
	}
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusPending, resilience.ExternalCallFailure(op, eris.Wrap(err, "decode status response"))
	}
	return ParseStatus(resp.Status), nil
}

// do sends one request. Transport failures and transient statuses are
// ExternalCallFailure; any other non-2xx status is MalformedPayload.
func (w *Webhook) do(ctx context.Context, op, method, target string, payload []byte, hdr http.Header) ([]byte, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, op+": rate limit wait")
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, resilience.MalformedPayload(op, eris.Wrap(err, "create request"))
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, resilience.ExternalCallFailure(op, eris.Wrap(err, "request failed"))
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.ExternalCallFailure(op, eris.Wrap(err, "read response body"))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500:
		return nil, resilience.ExternalCallFailure(op, eris.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	default:
		return nil, resilience.MalformedPayload(op, eris.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	}
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
