package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"msgsched/internal/domain"
)

// Webhook sends through the host application's integration endpoint. The
// endpoint receives a domain.SendRequest as JSON; any 2xx status is success.
type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func New(url string, timeout time.Duration, headers map[string]string) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second // default 30 seconds
	}
	return &Webhook{URL: url, Headers: headers, client: &http.Client{Timeout: timeout}}
}

func (h *Webhook) SendText(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, text string) error {
	return h.post(ctx, domain.SendRequest{
		Kind:           domain.SendKindText,
		ChannelVariant: variant,
		Recipients:     recipients,
		Text:           text,
	})
}

func (h *Webhook) SendMedia(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, caption, fileRef string) error {
	return h.post(ctx, domain.SendRequest{
		Kind:           domain.SendKindMedia,
		ChannelVariant: variant,
		Recipients:     recipients,
		Text:           caption,
		File:           fileRef,
	})
}

func (h *Webhook) post(ctx context.Context, req domain.SendRequest) error {
	if h.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("invalid send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Only the head of an error body is useful in logs.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
