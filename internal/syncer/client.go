package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rewindly/agent/internal/activity"
	"github.com/rewindly/agent/internal/errors"
)

// Client delivers a batch to the collector and returns how many records,
// counted from the front of the batch, the collector processed.
type Client interface {
	Send(ctx context.Context, batch []activity.Record) (int, error)
}

// maxResponseBytes caps how much of a collector reply is read.
const maxResponseBytes = 1 << 20

// HTTPClient posts batches to the collector's logActivity endpoint.
type HTTPClient struct {
	endpoint  string
	authToken string
	clientID  string
	http      *http.Client
}

// NewHTTPClient returns a client for the collector rooted at apiURL.
func NewHTTPClient(apiURL, authToken, clientID string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint:  strings.TrimRight(apiURL, "/") + "/logActivity",
		authToken: authToken,
		clientID:  clientID,
		http:      &http.Client{Timeout: timeout},
	}
}

type batchRequest struct {
	Activities []activity.Record `json:"activities"`
}

type batchResponse struct {
	Processed *int `json:"processed"`
}

// Send implements Client. Transport failures and non-2xx replies are
// TRANSIENT_NETWORK errors; replies without a processed count are
// MALFORMED_RESPONSE errors.
func (c *HTTPClient) Send(ctx context.Context, batch []activity.Record) (int, error) {
	body, err := json.Marshal(batchRequest{Activities: batch})
	if err != nil {
		return 0, errors.NewInternal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.NewTransientNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return 0, errors.NewTransientStatus(resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, errors.NewTransientNetwork(err)
	}

	var out batchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, errors.NewMalformedResponse(fmt.Sprintf("decode response: %v", err))
	}
	if out.Processed == nil {
		return 0, errors.NewMalformedResponse("response has no processed count")
	}
	return *out.Processed, nil
}
