package rpclink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
)

// Bridge serves a local transport (usually the simulator) as a JSON-RPC vehicle bridge.
type Bridge struct {
	transport link.Transport
	cell      *link.TelemetryCell
	logger    *slog.Logger
}

// NewBridge wraps transport.
func NewBridge(transport link.Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport: transport,
		cell:      &link.TelemetryCell{},
		logger:    logger.With("component", "bridge"),
	}
}

// Run streams telemetry from the wrapped transport until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.transport.Stream(ctx, func(s dragonpilot.TelemetrySnapshot) { b.cell.Publish(s) })
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("bridge telemetry stream ended", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ServeHTTP handles POST requests carrying one JSON-RPC request.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.write(w, Response{JSONRPC: "2.0", Error: &ErrorObject{Code: CodeParseError, Message: "parse error"}})
		return
	}
	resp := b.handle(r.Context(), req)
	b.write(w, resp)
	b.logger.Debug("bridge request processed", "method", req.Method, "duration", time.Since(start))
}

func (b *Bridge) handle(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &ErrorObject{Code: CodeInvalidRequest, Message: "jsonrpc must be 2.0"}
		return resp
	}

	switch req.Method {
	case MethodCommand:
		var cmd dragonpilot.VehicleCommand
		if err := json.Unmarshal(req.Params, &cmd); err != nil || cmd.Action == "" {
			resp.Error = &ErrorObject{Code: CodeInvalidParams, Message: "command requires an action"}
			return resp
		}
		if err := b.transport.Send(ctx, cmd); err != nil {
			var refusal *link.Refusal
			if errors.As(err, &refusal) {
				resp.Error = &ErrorObject{
					Code:    CodeRefused,
					Message: refusal.Error(),
					Data:    &ErrorData{Action: refusal.Action, Token: refusal.Token},
				}
				return resp
			}
			resp.Error = &ErrorObject{Code: CodeUnavailable, Message: err.Error()}
			return resp
		}
		resp.Result = json.RawMessage(`{"accepted":true}`)
	case MethodTelemetry:
		snap, err := b.cell.Latest()
		if err != nil {
			resp.Error = &ErrorObject{Code: CodeNoTelemetry, Message: err.Error()}
			return resp
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			resp.Error = &ErrorObject{Code: CodeUnavailable, Message: err.Error()}
			return resp
		}
		resp.Result = raw
	default:
		resp.Error = &ErrorObject{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

func (b *Bridge) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.logger.Error("failed to write bridge response", "error", err)
	}
}

func asRPCError(err error, target **ErrorObject) bool {
	return errors.As(err, target)
}
