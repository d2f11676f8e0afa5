// Package client holds the outbound integrations of the disposition service:
// the item-index and identity HTTP services and the NATS notification
// publisher.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pesio-ai/be-rm-dispositions/internal/apperrors"
)

// httpJSON is the shared JSON-over-HTTP plumbing of the outbound clients.
type httpJSON struct {
	baseURL string
	client  *http.Client
}

func newHTTPJSON(baseURL string) httpJSON {
	return httpJSON{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h httpJSON) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to build request")
	}
	return h.do(req, out)
}

func (h httpJSON) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h httpJSON) do(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "upstream request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.New(apperrors.ErrCodeNotFound, "upstream resource not found")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.New(apperrors.ErrCodeInternal,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to decode upstream response")
	}
	return nil
}
