package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/pkg/mission"
)

// Engine is the part of mission.Engine the protocol serves.
type Engine interface {
	ListTools() []dragonpilot.ToolSummary
	InvokePlan(ctx context.Context, plan *dragonpilot.MissionPlan) (*dragonpilot.ExecutionResult, error)
	StartPlan(ctx context.Context, plan *dragonpilot.MissionPlan) (string, error)
	Status(ctx context.Context, planID string) (*mission.ExecutionStatus, error)
	Result(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error)
	Cancel(ctx context.Context, planID string) (bool, error)
	LatestTelemetry() (dragonpilot.TelemetrySnapshot, error)
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server decodes, validates and dispatches JSON-RPC requests. It is transport agnostic.
type Server struct {
	engine   Engine
	schemas  *schemas
	handlers map[string]handlerFunc
	logger   *slog.Logger
}

// NewServer creates a Server over engine.
func NewServer(engine Engine, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:  engine,
		schemas: compiled,
		logger:  logger.With("component", "protocol"),
	}
	s.handlers = map[string]handlerFunc{
		MethodToolsList:       s.toolsList,
		MethodPlanInvoke:      s.planInvoke,
		MethodPlanStart:       s.planStart,
		MethodPlanStatus:      s.planStatus,
		MethodPlanResult:      s.planResult,
		MethodPlanCancel:      s.planCancel,
		MethodTelemetryLatest: s.telemetryLatest,
	}
	return s, nil
}

// Handle processes one encoded request and returns the encoded response.
// It returns nil for notifications, which get no response.
func (s *Server) Handle(ctx context.Context, raw []byte) []byte {
	resp := s.handle(ctx, raw)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		out, _ = json.Marshal(Response{JSONRPC: "2.0", ID: resp.ID, Error: &ErrorObject{
			Code: CodeInternalError, Message: "failed to encode response",
			Data: &ErrorData{Code: dragonpilot.ErrCodeInternal, Stage: dragonpilot.StageProtocol},
		}})
	}
	return out
}

func (s *Server) handle(ctx context.Context, raw []byte) *Response {
	start := time.Now()

	doc, err := decodeNumbers(raw)
	if err != nil {
		return errorResponse(nullID, protocolError(CodeParseError, "parse error", err))
	}
	id := idOf(doc)
	if err := s.schemas.envelope.Validate(doc); err != nil {
		return errorResponse(id, protocolError(CodeInvalidRequest, "invalid request", err))
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(id, protocolError(CodeInvalidRequest, "invalid request", err))
	}
	notification := req.ID == nil

	handler, ok := s.handlers[req.Method]
	if !ok {
		if notification {
			return nil
		}
		return errorResponse(id, protocolError(CodeMethodNotFound, "method not found: "+req.Method, nil))
	}
	if schema, ok := s.schemas.params[req.Method]; ok {
		params, err := decodeNumbers(paramsOrEmpty(req.Params))
		if err == nil {
			err = schema.Validate(params)
		}
		if err != nil {
			return errorResponse(id, protocolError(CodeInvalidParams, "invalid params", err))
		}
	}

	result, err := handler(ctx, req.Params)
	s.logger.Debug("request handled", "method", req.Method, "duration", time.Since(start), "error", err)
	if notification {
		return nil
	}
	if err != nil {
		return errorResponse(id, err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// decodeNumbers decodes JSON keeping numbers as json.Number, the form the schema
// validator and the argument coercion both accept.
func decodeNumbers(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func paramsOrEmpty(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}

func idOf(doc interface{}) json.RawMessage {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nullID
	}
	switch v := obj["id"].(type) {
	case string, json.Number:
		out, err := json.Marshal(v)
		if err == nil {
			return out
		}
	}
	return nullID
}

// unmarshalParams decodes params strictly, keeping numbers as json.Number.
func unmarshalParams(params json.RawMessage, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(paramsOrEmpty(params)))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return protocolError(CodeInvalidParams, "invalid params", err)
	}
	return nil
}

type planParams struct {
	Plan *dragonpilot.MissionPlan `json:"plan"`
}

type planIDParams struct {
	PlanID string `json:"plan_id"`
}

// StartResult is the plan/start response.
type StartResult struct {
	PlanID string `json:"plan_id"`
}

// CancelResult is the plan/cancel response.
type CancelResult struct {
	PlanID    string `json:"plan_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) toolsList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"tools": s.engine.ListTools()}, nil
}

// planInvoke blocks until the plan is terminal. A failed or aborted plan is
// still a successful call; the result carries the outcome.
func (s *Server) planInvoke(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p planParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	result, err := s.engine.InvokePlan(ctx, p.Plan)
	if result == nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) planStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p planParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	id, err := s.engine.StartPlan(ctx, p.Plan)
	if err != nil {
		return nil, err
	}
	return StartResult{PlanID: id}, nil
}

func (s *Server) planStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p planIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Status(ctx, p.PlanID)
}

func (s *Server) planResult(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p planIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Result(ctx, p.PlanID)
}

func (s *Server) planCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p planIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	ok, err := s.engine.Cancel(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}
	return CancelResult{PlanID: p.PlanID, Cancelled: ok}, nil
}

func (s *Server) telemetryLatest(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	snap, err := s.engine.LatestTelemetry()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// rpcError is an error that already carries its JSON-RPC form.
type rpcError struct {
	obj   *ErrorObject
	cause error
}

func (e *rpcError) Error() string { return e.obj.Error() }
func (e *rpcError) Unwrap() error { return e.cause }

// protocolError builds a boundary error. The engine never sees these requests.
func protocolError(code int, message string, cause error) error {
	perr := dragonpilot.NewProtocolError(message, cause)
	return &rpcError{
		obj: &ErrorObject{
			Code:    code,
			Message: perr.Error(),
			Data:    &ErrorData{Code: perr.Code, Stage: perr.Stage},
		},
		cause: perr,
	}
}

func errorResponse(id json.RawMessage, err error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: toErrorObject(err)}
}

func toErrorObject(err error) *ErrorObject {
	var re *rpcError
	if errors.As(err, &re) {
		return re.obj
	}

	obj := &ErrorObject{Code: CodeExecutionError, Message: err.Error(), Data: &ErrorData{Code: dragonpilot.CodeOf(err)}}
	var derr *dragonpilot.Error
	if errors.As(err, &derr) {
		obj.Data.Stage = derr.Stage
	}
	switch {
	case errors.Is(err, dragonpilot.ErrBusy):
		obj.Code = CodeBusy
	case errors.Is(err, dragonpilot.ErrNotFound):
		obj.Code = CodeNotFound
	case errors.Is(err, dragonpilot.ErrNoTelemetry):
		obj.Code = CodeNoTelemetry
	case errors.Is(err, mission.ErrNotFinished):
		obj.Code = CodeNotFinished
		obj.Data.Code = "NOT_FINISHED"
	}
	return obj
}
