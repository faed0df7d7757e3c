package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts each message as JSON to a messaging provider endpoint.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

type webhookPayload struct {
	To       string         `json:"to"`
	Template string         `json:"template,omitempty"`
	Body     string         `json:"body"`
	Params   map[string]any `json:"params,omitempty"`
}

func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Send(ctx context.Context, contact string, msg Message) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if contact == "" {
		return fmt.Errorf("contact is required")
	}

	body, err := json.Marshal(webhookPayload{To: contact, Template: msg.Template, Body: msg.Body, Params: msg.Params})
	if err != nil {
		return fmt.Errorf("invalid message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
