// Package ssehttp implements the split read/write HTTP transport: a
// long-lived SSE GET carries server-to-client messages while discrete POSTs
// carry client-to-server messages, correlated by a session identifier. The
// compatibility shim that absorbs known client quirks lives in front of the
// session-scoped handlers.
package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/govdata/mcp-gateway/auth"
	"github.com/govdata/mcp-gateway/dispatch"
	"github.com/govdata/mcp-gateway/internal/jsonrpc"
	"github.com/govdata/mcp-gateway/internal/logctx"
	"github.com/govdata/mcp-gateway/mcp"
	"github.com/govdata/mcp-gateway/sessions"
)

var _ http.Handler = (*Handler)(nil)

const (
	// CanonicalPath is the primary transport path; AliasPath offers identical
	// behavior for clients configured against the legacy URL.
	CanonicalPath = "/messages"
	AliasPath     = "/sse"
	HealthPath    = "/health"

	sessionIDParam = "session_id"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	keepalive time.Duration
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithKeepaliveInterval sets the SSE heartbeat cadence used to defeat idle
// connection reapers between real messages.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepalive = d }
}

// Handler is the transport endpoint. It owns request routing, the
// compatibility shim, and the translation between registry/dispatcher
// errors and HTTP-level responses.
type Handler struct {
	log        *slog.Logger
	authz      *auth.Gateway
	registry   *sessions.Registry
	dispatcher *dispatch.Dispatcher
	keepalive  time.Duration
}

// New constructs the transport handler.
func New(authz *auth.Gateway, registry *sessions.Registry, dispatcher *dispatch.Dispatcher, opts ...Option) (*Handler, error) {
	if authz == nil {
		return nil, fmt.Errorf("auth gateway is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	cfg := &newConfig{logger: slog.Default(), keepalive: 15 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Handler{
		log:        cfg.logger,
		authz:      authz,
		registry:   registry,
		dispatcher: dispatcher,
		keepalive:  cfg.keepalive,
	}, nil
}

// normalizePath collapses trailing slashes so path variants route uniformly.
func normalizePath(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimRight(p, "/")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch normalizePath(r.URL.Path) {
	case HealthPath:
		h.handleHealth(w, r)
	case CanonicalPath, AliasPath:
		switch r.Method {
		case http.MethodGet:
			h.handleStream(w, r)
		case http.MethodPost:
			h.handlePost(w, r)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		}
	default:
		writeJSONError(w, http.StatusNotFound, "not found", "")
	}
}

// handleHealth answers load-balancer probes. No authentication: it must stay
// reachable independent of session or auth state.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "govdata-mcp-gateway"})
}

// handleStream is the read half: it binds a new or existing session's read
// stream, announces the session-scoped write endpoint, then drains queued
// messages interleaved with keepalive comments until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.stream.start")

	ac := h.checkAuthentication(ctx, r, w)
	if ac == nil {
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	var handle *sessions.StreamHandle
	if sid := r.URL.Query().Get(sessionIDParam); sid != "" {
		var err error
		handle, err = h.registry.BindReadStream(sid)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionAlreadyBound) {
				writeJSONError(w, http.StatusConflict, "a read stream is already bound to this session", "")
				h.log.WarnContext(ctx, "session.bind.conflict", slog.String("session_id", sid))
				return
			}
			writeJSONError(w, http.StatusNotFound, "session not found", hintOpenStream)
			h.log.InfoContext(ctx, "session.bind.miss", slog.String("session_id", sid))
			return
		}
	} else {
		sess := h.registry.Create()
		var err error
		handle, err = h.registry.BindReadStream(sess.ID())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to bind session", "")
			h.log.ErrorContext(ctx, "session.bind.fail", slog.String("err", err.Error()))
			return
		}
	}
	sessID := handle.SessionID()
	defer h.registry.Close(sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		Principal: ac.Principal,
		AuthMode:  string(ac.Mode),
		State:     string(sessions.StateActive),
	})

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// The first event tells the client where to POST. The session id rides
	// along as a query parameter on the path the client connected with.
	endpoint := fmt.Sprintf("%s?%s=%s", normalizePath(r.URL.Path), sessionIDParam, sessID)
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.open", slog.String("endpoint", endpoint))

	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.keepalive)
		msg, err := handle.Next(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if err := writeSSEComment(wf, "ping"); err != nil {
					h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
					break
				}
				continue
			}
			if errors.Is(err, sessions.ErrSessionNotFound) {
				h.log.InfoContext(ctx, "sse.stream.session_closed")
			}
			break
		}
		if err := writeSSEEvent(wf, "message", msg.Payload); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			break
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.Int("bytes", len(msg.Payload)))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handlePost is the write half. Requests without a session identifier fall
// through to the compatibility shim; everything else is parsed, dispatched,
// and acknowledged, with the real response traveling over the read stream.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json", "")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	ac := h.checkAuthentication(ctx, r, w)
	if ac == nil {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error(), "")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		h.handleShimmedPost(ctx, w, &msg)
		return
	}

	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found", hintOpenStream)
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		Principal: ac.Principal,
		AuthMode:  string(ac.Mode),
		State:     string(sess.State()),
	})

	req := msg.AsRequest()
	if req == nil {
		// Client-originated response message; the gateway issues no
		// server-to-client requests, so there is nothing to correlate.
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "response.inbound.ignored")
		return
	}

	if req.IsNotification() {
		h.dispatcher.Dispatch(ctx, sess, req)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// Dispatch off the request goroutine so the POST returns as soon as the
	// message is routed. The dispatcher's own deadline bounds the handler;
	// responses are enqueued on the session and delivered over the stream.
	go func(ctx context.Context) {
		res := h.dispatcher.Dispatch(ctx, sess, req)
		if res == nil {
			return
		}
		b, err := json.Marshal(res)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			return
		}
		if err := h.registry.Enqueue(sess.ID(), b); err != nil {
			h.log.InfoContext(ctx, "rpc.response.enqueue.drop", slog.String("err", err.Error()))
		}
	}(context.WithoutCancel(ctx))

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	h.log.InfoContext(ctx, "rpc.inbound.routed", slog.Duration("dur", time.Since(start)))
}

// handleShimmedPost absorbs known client quirks on the base path. Some
// clients probe with an initialize call before ever opening the read stream;
// rejecting the probe makes them mark the server unusable, so it is answered
// directly with a synthesized handshake result and no session is created.
func (h *Handler) handleShimmedPost(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage) {
	req := msg.AsRequest()
	if req != nil && req.Method == mcp.InitializeMethod {
		res, err := jsonrpc.NewResultResponse(req.ID, h.dispatcher.InitializeResult())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize result", "")
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(res)
		h.log.InfoContext(ctx, "shim.initialize.ok")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "missing session_id", hintOpenStream)
	h.log.InfoContext(ctx, "shim.missing_session_id", slog.String("method", msg.Method))
}

const (
	hintOpenStream = "open the read stream with GET " + CanonicalPath +
		" and POST to the session-scoped URL announced in the 'endpoint' event"
	hintCredentials = "provide an X-API-Key header or a Bearer token in the Authorization header"
)

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) *auth.Context {
	ac, err := h.authz.Authenticate(ctx, r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "invalid authentication", hintCredentials)
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return nil
	}
	h.log.DebugContext(ctx, "auth.ok",
		slog.String("principal", ac.Principal),
		slog.String("mode", string(ac.Mode)))
	return ac
}

// writeJSONError emits the transport's structured error body. The hint field
// carries remediation guidance for the common client mistakes.
func writeJSONError(w http.ResponseWriter, status int, msg string, hint string) {
	body := map[string]any{"code": status, "message": msg}
	if hint != "" {
		body["hint"] = hint
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// lockedWriteFlusher serializes concurrent writes/flushes and avoids writing
// after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one named SSE event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment writes a comment frame; clients ignore it, proxies see traffic.
func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
