// Package provider dispatches selected providers: remote ones over HTTP
// with per-call timeouts and fallback synthesis, local ones by generating
// their interactions in-process.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxDispatchAttempts bounds the invoker's internal retry on transport
// errors before the fallback interaction is synthesised.
const maxDispatchAttempts = 2

// Invoker calls remote provider endpoints. A provider is remote when a URL
// is configured for its id; Invoke and Interact POST to <url>/invoke and
// <url>/interact respectively.
type Invoker struct {
	urls    map[string]string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvoker builds an invoker over the configured provider URL map.
func NewInvoker(urls map[string]string, timeout time.Duration, logger *slog.Logger) *Invoker {
	return &Invoker{
		urls:    urls,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With("component", "provider"),
	}
}

// Remote reports whether the provider id has a configured endpoint.
func (i *Invoker) Remote(providerID string) bool {
	_, ok := i.urls[providerID]
	return ok
}

// Invoke POSTs an invoke request to the provider and decodes its response.
func (i *Invoker) Invoke(ctx context.Context, providerID string, req any, out any) error {
	return i.post(ctx, providerID, "/invoke", req, out)
}

// Interact POSTs an interact request to the provider and decodes its
// response.
func (i *Invoker) Interact(ctx context.Context, providerID string, req any, out any) error {
	return i.post(ctx, providerID, "/interact", req, out)
}

func (i *Invoker) post(ctx context.Context, providerID, path string, req any, out any) error {
	base, ok := i.urls[providerID]
	if !ok {
		return fmt.Errorf("no endpoint configured for provider %s", providerID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal provider request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxDispatchAttempts; attempt++ {
		lastErr = i.postOnce(ctx, base+path, body, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		i.logger.Warn("provider call failed",
			"provider_id", providerID,
			"path", path,
			"attempt", attempt,
			"error", lastErr)
	}
	return fmt.Errorf("provider %s unreachable after %d attempts: %w", providerID, maxDispatchAttempts, lastErr)
}

func (i *Invoker) postOnce(ctx context.Context, url string, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
