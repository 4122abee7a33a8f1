// Package taskapi talks to the external worker farm that runs login, card
// query and redeem tasks. Every task is created with a POST to /<kind>/new and
// polled with GET /<kind>/status until it completes or fails.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

// API is the contract the orchestrator depends on.
type API interface {
	CreateLogin(ctx context.Context, items []LoginItem) (string, error)
	CreateQuery(ctx context.Context, items []QueryItem) (string, error)
	CreateRedeem(ctx context.Context, items []RedeemItem, interval int) (string, error)
	Status(ctx context.Context, kind Kind, taskID string) (*Status, error)
}

type Client struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

func NewClientFromEnv() *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("TASK_API_BASE_URL", "")), "/"),
		Token:   strings.TrimSpace(env.GetEnv("TASK_API_TOKEN", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("TASK_API_TIMEOUT", 15*time.Second),
		},
	}
}

func (c *Client) CreateLogin(ctx context.Context, items []LoginItem) (string, error) {
	return c.create(ctx, KindLogin, map[string]any{"list": items})
}

func (c *Client) CreateQuery(ctx context.Context, items []QueryItem) (string, error) {
	return c.create(ctx, KindQuery, map[string]any{"list": items})
}

func (c *Client) CreateRedeem(ctx context.Context, items []RedeemItem, interval int) (string, error) {
	return c.create(ctx, KindRedeem, map[string]any{"list": items, "interval": interval})
}

func (c *Client) create(ctx context.Context, kind Kind, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/"+string(kind)+"/new", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var data struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("create %s task: %w", kind, err)
	}
	if strings.TrimSpace(data.TaskID) == "" {
		return "", fmt.Errorf("create %s task: empty task_id", kind)
	}
	return data.TaskID, nil
}

func (c *Client) Status(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	q := url.Values{}
	q.Set("task_id", taskID)
	req, err := c.newRequest(ctx, http.MethodGet, "/"+string(kind)+"/status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out Status
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("%s status %s: %w", kind, taskID, err)
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, data any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}

	var out envelope
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !OK(out.Code) {
		return fmt.Errorf("code=%d msg=%s", out.Code, out.Msg)
	}
	if len(out.Data) == 0 || data == nil {
		return nil
	}
	if err := json.Unmarshal(out.Data, data); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
