package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func sessionPathPrefix(sessionID string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID)
}

func (c *Client) CreateSession(ctx context.Context, body map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sessions", body, &out, "")
	return out, err
}

func (c *Client) DestroySession(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, sessionPathPrefix(sessionID), nil, &out, "")
	return out, err
}

func (c *Client) Market(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, sessionPathPrefix(sessionID)+"/market", nil, &out, "")
	return out, err
}

func (c *Client) AdvanceRound(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/advance", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) RegisterUser(ctx context.Context, sessionID, userID, introduction string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/register", map[string]any{
		"user_id":      userID,
		"introduction": introduction,
	}, &out, "")
	return out, err
}

func (c *Client) UserList(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, sessionPathPrefix(sessionID)+"/users", nil, &out, "")
	return out, err
}

func (c *Client) UserCount(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, sessionPathPrefix(sessionID)+"/users/count", nil, &out, "")
	return out, err
}

func (c *Client) GetUser(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID), nil, &out, "")
	return out, err
}

func (c *Client) RemoveUser(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID), nil, &out, "")
	return out, err
}

func (c *Client) RemoveAllUsers(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, sessionPathPrefix(sessionID)+"/users", nil, &out, "")
	return out, err
}

func (c *Client) AlignIndex(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/align-index", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) Introduce(ctx context.Context, sessionID, userID, introduction string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID)+"/introduce", map[string]any{
		"introduction": introduction,
	}, &out, "")
	return out, err
}

func (c *Client) FreezeUser(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID)+"/freeze", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) UnfreezeUser(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID)+"/unfreeze", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) StartLoan(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID)+"/loan", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) SettleLoan(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/users/"+url.PathEscape(userID)+"/loan/settle", map[string]any{}, &out, "")
	return out, err
}

func (c *Client) Profit(ctx context.Context, sessionID, userID, company string) (map[string]any, error) {
	path := sessionPathPrefix(sessionID) + "/users/" + url.PathEscape(userID) + "/profit?company=" + url.QueryEscape(company)
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

func (c *Client) Buy(ctx context.Context, sessionID, userID, company string, quantity int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/trades/buy", map[string]any{
		"user_id":  userID,
		"company":  company,
		"quantity": quantity,
	}, &out, idem)
	return out, err
}

func (c *Client) Sell(ctx context.Context, sessionID, userID, company string, quantity int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/trades/sell", map[string]any{
		"user_id":  userID,
		"company":  company,
		"quantity": quantity,
	}, &out, idem)
	return out, err
}

func (c *Client) SellAll(ctx context.Context, sessionID, userID, company, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, sessionPathPrefix(sessionID)+"/trades/sell-all", map[string]any{
		"user_id": userID,
		"company": company,
	}, &out, idem)
	return out, err
}

func (c *Client) Logs(ctx context.Context, sessionID, userID, company string, round *int) (map[string]any, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if company != "" {
		q.Set("company", company)
	}
	if round != nil {
		q.Set("round", fmt.Sprintf("%d", *round))
	}
	path := sessionPathPrefix(sessionID) + "/logs"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

// StreamEvents opens the SSE log stream for a session and invokes fn for
// each data frame until the context is cancelled or the stream closes.
func (c *Client) StreamEvents(ctx context.Context, sessionID string, fn func(raw []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+sessionPathPrefix(sessionID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client enforces a 30s timeout, use a dedicated one for
	// the long-lived stream.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := newSSEScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := fn([]byte(strings.TrimPrefix(line, "data: "))); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, in, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
