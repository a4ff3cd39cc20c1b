package rpclink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
)

// Client is a link.Transport backed by a remote vehicle bridge.
type Client struct {
	endpoint     string
	vendor       string
	httpClient   *http.Client
	pollInterval time.Duration
	nextID       atomic.Uint64
}

var _ link.Transport = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithPollInterval sets how often telemetry is fetched.
func WithPollInterval(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.pollInterval = d
		}
	}
}

// WithVendor selects the refusal token table.
func WithVendor(vendor string) ClientOption {
	return func(cl *Client) {
		cl.vendor = vendor
	}
}

// NewClient creates a client for the bridge at endpoint, e.g. http://127.0.0.1:14600/rpc.
func NewClient(endpoint string, options ...ClientOption) *Client {
	c := &Client{
		endpoint:     endpoint,
		vendor:       "generic",
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		pollInterval: 100 * time.Millisecond,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Vendor implements link.Transport.
func (c *Client) Vendor() string { return c.vendor }

// Send implements link.Transport.
func (c *Client) Send(ctx context.Context, cmd dragonpilot.VehicleCommand) error {
	return c.call(ctx, MethodCommand, cmd, nil)
}

// Stream implements link.Transport by polling the bridge.
func (c *Client) Stream(ctx context.Context, sink func(dragonpilot.TelemetrySnapshot)) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		var snap dragonpilot.TelemetrySnapshot
		err := c.call(ctx, MethodTelemetry, nil, &snap)
		switch {
		case err == nil:
			sink(snap)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			var rpcErr *ErrorObject
			if !asRPCError(err, &rpcErr) || rpcErr.Code != CodeNoTelemetry {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	req := Request{JSONRPC: "2.0", Method: method, ID: c.nextID.Add(1)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	if resp.Error != nil {
		if resp.Error.Code == CodeRefused && resp.Error.Data != nil {
			return &link.Refusal{Action: resp.Error.Data.Action, Token: resp.Error.Data.Token, Detail: resp.Error.Message}
		}
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
