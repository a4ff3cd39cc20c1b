// Package protocol exposes the mission engine over JSON-RPC 2.0, on HTTP with a
// server-sent event stream and on newline-delimited stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Methods.
const (
	MethodToolsList       = "tools/list"
	MethodPlanInvoke      = "plan/invoke"
	MethodPlanStart       = "plan/start"
	MethodPlanStatus      = "plan/status"
	MethodPlanResult      = "plan/result"
	MethodPlanCancel      = "plan/cancel"
	MethodTelemetryLatest = "telemetry/latest"

	NotificationProgress = "notifications/progress"
)

// JSON-RPC error codes. Codes above -32099 are application errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeExecutionError = -32000
	CodeBusy           = -32001
	CodeNotFound       = -32002
	CodeNotFinished    = -32003
	CodeNoTelemetry    = -32004
)

// Request is a JSON-RPC 2.0 request. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ErrorObject is a JSON-RPC 2.0 error.
type ErrorObject struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the engine error code and stage.
type ErrorData struct {
	Code  string `json:"code"`
	Stage string `json:"stage,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated JSON-RPC message.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

var nullID = json.RawMessage("null")

const schemaBase = "https://dragonpilot.local/protocol/"

const envelopeSchema = `{
  "type": "object",
  "required": ["jsonrpc", "method"],
  "properties": {
    "jsonrpc": {"const": "2.0"},
    "method": {"type": "string", "minLength": 1},
    "params": {"type": ["object", "array"]},
    "id": {"type": ["string", "integer", "null"]}
  },
  "additionalProperties": false
}`

const planParamsSchema = `{
  "type": "object",
  "required": ["plan"],
  "properties": {
    "plan": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "steps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["tool"],
            "properties": {
              "tool": {"type": "string", "minLength": 1},
              "args": {"type": "object"},
              "description": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

const planIDParamsSchema = `{
  "type": "object",
  "required": ["plan_id"],
  "properties": {
    "plan_id": {"type": "string", "minLength": 1}
  }
}`

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBase + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("protocol schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("protocol schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}

type schemas struct {
	envelope *jsonschema.Schema
	params   map[string]*jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	envelope, err := compileSchema("envelope", envelopeSchema)
	if err != nil {
		return nil, err
	}
	plan, err := compileSchema("plan-params", planParamsSchema)
	if err != nil {
		return nil, err
	}
	planID, err := compileSchema("plan-id-params", planIDParamsSchema)
	if err != nil {
		return nil, err
	}
	return &schemas{
		envelope: envelope,
		params: map[string]*jsonschema.Schema{
			MethodPlanInvoke: plan,
			MethodPlanStart:  plan,
			MethodPlanStatus: planID,
			MethodPlanResult: planID,
			MethodPlanCancel: planID,
		},
	}, nil
}
