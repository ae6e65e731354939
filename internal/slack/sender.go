package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://slack.com/api"

// Sender posts Block Kit messages to channels. Blocks travel as the
// already-marshaled JSON array produced by MarshalBlocks, so queued
// messages never need re-encoding.
type Sender interface {
	PostMessage(ctx context.Context, channelID, threadTs string, blocks json.RawMessage) error
}

// Client talks to the Slack web API with a bot token.
type Client struct {
	baseURL  string
	botToken string
	client   *http.Client
}

func NewClient(baseURL, botToken string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAPIBaseURL
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: strings.TrimSpace(botToken),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.botToken != ""
}

type postMessageRequest struct {
	Channel  string          `json:"channel"`
	ThreadTs string          `json:"thread_ts,omitempty"`
	Blocks   json.RawMessage `json:"blocks"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PostMessage posts one message to one channel, optionally as a
// threaded reply.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTs string, blocks json.RawMessage) error {
	if !c.Enabled() {
		return fmt.Errorf("slack client not configured")
	}

	body, err := json.Marshal(postMessageRequest{
		Channel:  channelID,
		ThreadTs: threadTs,
		Blocks:   blocks,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json; charset=utf-8")
	request.Header.Set("Authorization", "Bearer "+c.botToken)

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("slack responded with status %d", response.StatusCode)
	}

	apiResponse := postMessageResponse{}
	if err := json.NewDecoder(response.Body).Decode(&apiResponse); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !apiResponse.OK {
		return fmt.Errorf("slack rejected message: %s", apiResponse.Error)
	}
	return nil
}
