// Package holdproc implements domain.HoldGateway against the external
// payment-hold processor's REST API.
package holdproc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// Client is an HTTP client for the hold processor. Requests are
// HMAC-authenticated and carry a deterministic idempotency key per
// (pre-authorization, operation) pair, so a caller-driven retry after a
// transient failure cannot settle the same hold twice at the processor.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a new hold processor client.
func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// captureRequest is the capture request body. A nil Amount captures the full
// remaining hold.
type captureRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

// captureResponse is the processor's capture response body.
type captureResponse struct {
	CapturedAmount int64  `json:"captured_amount"`
	Reference      string `json:"reference"`
}

// errorResponse is the processor's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Capture converts the hold into a charge, optionally for less than the held
// amount.
func (c *Client) Capture(ctx context.Context, preAuthID string, amount *int64) (domain.CaptureResult, error) {
	path := "/v1/holds/" + preAuthID + "/capture"
	body, err := json.Marshal(captureRequest{Amount: amount})
	if err != nil {
		return domain.CaptureResult{}, fmt.Errorf("holdproc: marshal capture request: %w", err)
	}

	respBody, err := c.post(ctx, path, body, idempotencyKey(preAuthID, "capture"))
	if err != nil {
		return domain.CaptureResult{}, err
	}

	var resp captureResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.CaptureResult{}, fmt.Errorf("holdproc: decode capture response: %w", err)
	}

	return domain.CaptureResult{
		CapturedAmount: resp.CapturedAmount,
		ExternalRef:    resp.Reference,
	}, nil
}

// Release cancels the hold without charging.
func (c *Client) Release(ctx context.Context, preAuthID string) error {
	path := "/v1/holds/" + preAuthID + "/release"
	_, err := c.post(ctx, path, []byte("{}"), idempotencyKey(preAuthID, "release"))
	return err
}

// Cancel voids the hold entirely. The processor treats it like release but
// also tears down the authorization record.
func (c *Client) Cancel(ctx context.Context, preAuthID string) error {
	path := "/v1/holds/" + preAuthID + "/cancel"
	_, err := c.post(ctx, path, []byte("{}"), idempotencyKey(preAuthID, "cancel"))
	return err
}

// post issues a signed POST and translates failures into the two domain
// failure kinds. Network errors, timeouts, 429 and 5xx are transient;
// everything else from the processor is a terminal rejection.
func (c *Client) post(ctx context.Context, path string, body []byte, idemKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("holdproc: build request %s: %w", path, err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", c.sign(ts, http.MethodPost, path, string(body)))
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("holdproc: %s: %w: %s", path, domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("holdproc: %s: %w: read body: %s", path, domain.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("holdproc: %s: %w: status %d", path, domain.ErrUpstreamUnavailable, resp.StatusCode)
	default:
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("holdproc: %s: %w: %s (code=%s, status %d)",
			path, domain.ErrUpstreamRejected, e.Message, e.Code, resp.StatusCode)
	}
}

// sign computes HMAC-SHA256(secret, timestamp+method+path+body) encoded as
// base64, matching the processor's request signing scheme.
func (c *Client) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// idempotencyKey derives a stable key from the pre-authorization and the
// operation. Keccak keeps the key opaque while staying deterministic across
// process restarts.
func idempotencyKey(preAuthID, op string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(preAuthID + ":" + op))
	return hex.EncodeToString(h.Sum(nil))
}

// Compile-time interface check.
var _ domain.HoldGateway = (*Client)(nil)
