package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stockparty/internal/market"
)

// Client posts registrations to the external queue service. It is a
// best-effort collaborator: callers treat any error as "relay down" and
// admit the user locally. The HTTP client carries its own timeout so a
// slow relay can never stall a registration indefinitely.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type registerResponse struct {
	MessageID string `json:"message_id"`
}

func (c *Client) Register(ctx context.Context, sessionID string, draft market.UserDraft) (string, error) {
	payload := map[string]string{
		"session_id":   sessionID,
		"user_id":      draft.UserID,
		"introduction": draft.Introduction,
	}
	var out registerResponse
	if err := c.postJSON(ctx, "/queue/stock/user/register", payload, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
