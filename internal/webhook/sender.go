package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxCapturedBody bounds the response excerpt stored with a delivery log.
const maxCapturedBody = 1024

// AttemptResult is the outcome of a single HTTP delivery attempt.
type AttemptResult struct {
	Success      bool
	HTTPStatus   *int
	ResponseBody string
	ErrorMessage string
}

// Sender performs a single delivery attempt against a webhook endpoint.
type Sender interface {
	Send(ctx context.Context, w *Webhook, secret, apiKey string, body []byte) AttemptResult
}

type httpSender struct {
	client *http.Client
	clock  func() time.Time
}

func NewHTTPSender() Sender {
	return &httpSender{
		client: &http.Client{},
		clock:  time.Now,
	}
}

func (s *httpSender) Send(ctx context.Context, w *Webhook, secret, apiKey string, body []byte) AttemptResult {
	timeout := time.Duration(w.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(DefaultTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return AttemptResult{ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "prepflow-webhooks/1.0")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(secret, body, s.clock().Unix()))
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	for key, value := range w.CustomHeaders {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return AttemptResult{ErrorMessage: "request timed out"}
		}
		return AttemptResult{ErrorMessage: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	status := resp.StatusCode

	result := AttemptResult{
		HTTPStatus:   &status,
		ResponseBody: string(excerpt),
	}
	if status >= 200 && status < 300 {
		result.Success = true
	} else {
		result.ErrorMessage = fmt.Sprintf("endpoint returned status %d", status)
	}
	return result
}
