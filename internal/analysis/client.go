// Package analysis triggers the external long-running AI-analysis
// workflow. The trigger is fire-and-forget: the result arrives later on
// the callback endpoint, never on this call.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TriggerRequest identifies the event to analyze and the requester the
// eventual callback should notify.
type TriggerRequest struct {
	EventID        string `json:"eventId"`
	QueryID        string `json:"queryId"`
	RawQuery       string `json:"rawQuery"`
	Environment    string `json:"environment"`
	SlackUserID    string `json:"slackUserId"`
	SlackChannelID string `json:"slackChannelId"`
	SlackMessageTs string `json:"slackMessageTs,omitempty"`
}

type Trigger interface {
	TriggerAnalysis(ctx context.Context, request TriggerRequest) error
}

type Client struct {
	webhookURL string
	authHeader string
	client     *http.Client
}

func NewClient(webhookURL, authHeader string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		webhookURL: strings.TrimSpace(webhookURL),
		authHeader: strings.TrimSpace(authHeader),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

// TriggerAnalysis fires the webhook. A non-2xx response or timeout is
// an error; the queue retries the job with backoff.
func (c *Client) TriggerAnalysis(ctx context.Context, request TriggerRequest) error {
	if !c.Enabled() {
		return fmt.Errorf("analysis webhook not configured")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		httpRequest.Header.Set("Authorization", c.authHeader)
	}

	response, err := c.client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("trigger analysis webhook: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("analysis webhook responded with status %d", response.StatusCode)
	}
	return nil
}
