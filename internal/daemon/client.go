package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

// Client talks to a running daemon over its unix socket.
type Client struct {
	SocketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		DisableCompression: true,
		DisableKeepAlives:  true,
	}
	return &Client{
		SocketPath: socketPath,
		http: &http.Client{
			Transport: transport,
			Timeout:   12 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c == nil || strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("daemon client is not configured")
	}
	var body *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

func (c *Client) SendEvent(ctx context.Context, ev bus.Event) (EventResponse, error) {
	var resp EventResponse
	err := c.do(ctx, http.MethodPost, "/v1/events", EventRequest{Event: ev}, &resp)
	return resp, err
}

func (c *Client) Import(ctx context.Context, req ImportRequest) (ImportResponse, error) {
	var resp ImportResponse
	err := c.do(ctx, http.MethodPost, "/v1/import", req, &resp)
	return resp, err
}

func (c *Client) Timeline(ctx context.Context, runID string) (TimelineResponse, error) {
	var resp TimelineResponse
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/timeline", nil, &resp)
	return resp, err
}

func (c *Client) Usage(ctx context.Context, days int) (UsageResponse, error) {
	path := "/v1/usage"
	if days > 0 {
		path += "?days=" + strconv.Itoa(days)
	}
	var resp UsageResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) Heatmap(ctx context.Context, scope string) (HeatmapResponse, error) {
	path := "/v1/heatmap"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	var resp HeatmapResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) ResolvePermission(ctx context.Context, requestID, decision string) (ResolvePermissionResponse, error) {
	var resp ResolvePermissionResponse
	err := c.do(ctx, http.MethodPost, "/v1/permissions/resolve", ResolvePermissionRequest{
		RequestID: requestID,
		Decision:  decision,
	}, &resp)
	return resp, err
}

func (c *Client) AnswerCallback(ctx context.Context, requestID string) (AnswerCallbackResponse, error) {
	var resp AnswerCallbackResponse
	err := c.do(ctx, http.MethodPost, "/v1/hooks/answer", AnswerCallbackRequest{RequestID: requestID}, &resp)
	return resp, err
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/cache/clear", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &resp)
	return resp, err
}
