// Package dispatch maps validated, session-scoped protocol requests onto
// external tool handlers and translates their outcomes into protocol
// responses. It performs no data access of its own.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/govdata/mcp-gateway/internal/jsonrpc"
	"github.com/govdata/mcp-gateway/internal/logctx"
	"github.com/govdata/mcp-gateway/mcp"
	"github.com/govdata/mcp-gateway/sessions"
)

// ErrInvalidParams marks a parameter validation failure. Tool handlers wrap
// it so the dispatcher can map the failure onto the protocol's invalid-params
// code instead of a generic execution error.
var ErrInvalidParams = errors.New("dispatch: invalid params")

// ToolHandler is one external tool entry point: validated arguments in,
// result object or error out. Handlers must honor ctx cancellation.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher routes protocol methods. The tool table is built once at
// startup via RegisterTool; there is no runtime reflection.
type Dispatcher struct {
	serverInfo  mcp.ImplementationInfo
	tools       []mcp.Tool
	handlers    map[string]ToolHandler
	toolTimeout time.Duration
	log         *slog.Logger
}

// New constructs an empty dispatcher. toolTimeout bounds every external
// handler invocation; an expired deadline surfaces as a normal protocol
// error response rather than a hung request.
func New(serverInfo mcp.ImplementationInfo, toolTimeout time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		serverInfo:  serverInfo,
		handlers:    make(map[string]ToolHandler),
		toolTimeout: toolTimeout,
		log:         log,
	}
}

// RegisterTool adds a tool declaration and its handler to the dispatch
// table. Call during startup only; the table is read concurrently afterward.
func (d *Dispatcher) RegisterTool(tool mcp.Tool, h ToolHandler) {
	d.tools = append(d.tools, tool)
	d.handlers[tool.Name] = h
}

// Tools returns the registered tool declarations in registration order.
func (d *Dispatcher) Tools() []mcp.Tool {
	return d.tools
}

// InitializeResult is the handshake result advertised to clients, shared
// with the compatibility shim's synthesized probe response.
func (d *Dispatcher) InitializeResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
		},
		ServerInfo: d.serverInfo,
	}
}

// Dispatch resolves one request to a response. Notifications return nil (no
// response message is produced). Errors never escape as Go errors: every
// failure becomes a protocol error response so the session's logical channel
// sees a normal error message.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	if req.IsNotification() {
		if req.Method == mcp.InitializedNotificationMethod {
			sess.MarkInitialized()
			d.log.DebugContext(ctx, "session.handshake.complete", slog.String("session_id", sess.ID()))
		} else if !strings.HasPrefix(req.Method, "notifications/") {
			d.log.WarnContext(ctx, "rpc.notification.unknown", slog.String("method", req.Method))
		}
		return nil
	}

	switch req.Method {
	case mcp.InitializeMethod:
		sess.MarkInitialized()
		res, err := jsonrpc.NewResultResponse(req.ID, d.InitializeResult())
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize result", nil)
		}
		return res

	case mcp.PingMethod:
		res, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		return res

	case mcp.ToolsListMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: d.tools})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool list", nil)
		}
		return res

	case mcp.ToolsCallMethod:
		return d.dispatchToolCall(ctx, req)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (d *Dispatcher) dispatchToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}
	if call.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/call requires a tool name", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})

	handler, ok := d.handlers[call.Name]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Unknown tool: %s", call.Name), nil)
	}

	start := time.Now()
	callCtx := ctx
	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	result, err := handler(callCtx, call.Arguments)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			d.log.InfoContext(ctx, "tool.call.invalid_params", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			d.log.WarnContext(ctx, "tool.call.timeout", slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeToolExecution,
				fmt.Sprintf("tool %q timed out after %s", call.Name, d.toolTimeout), nil)
		}
		d.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeToolExecution, err.Error(), nil)
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result", nil)
	}

	d.log.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", time.Since(start)))
	res, err := jsonrpc.NewResultResponse(req.ID, mcp.NewTextResult(string(text)))
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool response", nil)
	}
	return res
}
