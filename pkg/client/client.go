package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with the dosrun daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7878",
		Timeout: 10 * time.Second,
	}
}

// New creates a new dosrun API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/running", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Start launches game id. It fails with an APIError coded already_running
// when the game is running.
func (c *Client) Start(ctx context.Context, id int64) error {
	c.logger.Debug("Starting game", "id", id)
	return c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/games/%d/start", id), nil, nil)
}

// Running returns the ids of running games in ascending order.
func (c *Client) Running(ctx context.Context) ([]int64, error) {
	var out struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/running", nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// Resources returns the latest resource samples of running games.
func (c *Client) Resources(ctx context.Context) ([]Usage, error) {
	var out []Usage
	err := c.doRequest(ctx, http.MethodGet, "/running/resources", nil, &out)
	return out, err
}

// ListGames returns games whose title contains search; an empty search lists all.
func (c *Client) ListGames(ctx context.Context, search string) ([]Game, error) {
	p := "/games"
	if search != "" {
		p += "?search=" + url.QueryEscape(search)
	}
	var out []Game
	err := c.doRequest(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (c *Client) CreateGame(ctx context.Context, req GameRequest) (Game, error) {
	var g Game
	err := c.doRequest(ctx, http.MethodPost, "/games", req, &g)
	return g, err
}

func (c *Client) UpdateGame(ctx context.Context, id int64, req GameRequest) error {
	return c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/games/%d", id), req, nil)
}

// DeleteGames removes the given games and returns how many existed.
func (c *Client) DeleteGames(ctx context.Context, ids []int64) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.doRequest(ctx, http.MethodDelete, "/games", map[string][]int64{"ids": ids}, &out)
	return out.Deleted, err
}

func (c *Client) ReadConfig(ctx context.Context, id int64) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/games/%d/config", id), nil, &out)
	return out.Text, err
}

func (c *Client) WriteConfig(ctx context.Context, id int64, text string) error {
	return c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/games/%d/config", id), map[string]string{"text": text}, nil)
}

// GenerateConfig asks the daemon to write a starter config next to exePath.
func (c *Client) GenerateConfig(ctx context.Context, exePath string) (PathResult, error) {
	var out PathResult
	err := c.doRequest(ctx, http.MethodPost, "/games/config", map[string]string{"exe_path": exePath}, &out)
	return out, err
}

// RelativePath converts p to an install-relative path when possible.
func (c *Client) RelativePath(ctx context.Context, p string) (PathResult, error) {
	var out PathResult
	err := c.doRequest(ctx, http.MethodPost, "/paths/relative", map[string]string{"path": p}, &out)
	return out, err
}

func (c *Client) Settings(ctx context.Context) ([]Setting, error) {
	var out []Setting
	err := c.doRequest(ctx, http.MethodGet, "/settings", nil, &out)
	return out, err
}

func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return c.doRequest(ctx, http.MethodPut, "/settings/"+url.PathEscape(key), map[string]string{"value": value}, nil)
}

// RunDOSBox runs the interpreter with args on the daemon host and returns its stdout.
func (c *Client) RunDOSBox(ctx context.Context, args ...string) (string, error) {
	var out struct {
		Stdout string `json:"stdout"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/dosbox", map[string][]string{"args": args}, &out)
	return out.Stdout, err
}

// Events subscribes to the daemon's event stream and calls fn for every
// event until ctx is done, fn returns an error or the stream ends.
func (c *Client) Events(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream outlives the request timeout of c.client
	hc := &http.Client{Transport: c.client.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp, nil); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	var ev Event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.Type != "" {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = Event{}
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// doRequest sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleErrorResponse(resp, out)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "code", errorResp.Code, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Code: errorResp.Code, Message: errorResp.Error}
}
