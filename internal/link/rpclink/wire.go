// Package rpclink talks to a vehicle bridge over JSON-RPC 2.0 on HTTP and can
// expose any link transport as such a bridge.
package rpclink

import (
	"encoding/json"
	"fmt"
)

// Bridge methods.
const (
	MethodCommand   = "vehicle.command"
	MethodTelemetry = "telemetry.latest"
)

// Bridge error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeRefused        = -32010
	CodeUnavailable    = -32011
	CodeNoTelemetry    = -32012
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      uint64          `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// ErrorObject represents a JSON-RPC 2.0 error
type ErrorObject struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the refusal token for CodeRefused.
type ErrorData struct {
	Action string `json:"action,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}
