// ABOUTME: A2A protocol server: JSON-RPC 2.0 over HTTP with SSE streaming, one endpoint per managed agent
// ABOUTME: Authenticates, authorizes and rate limits each call, then dispatches through a method table

package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/artifact"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/dedupe"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/stream"
	"github.com/2389/coven-runtime/internal/task"
)

// Orchestrator is the agent lifecycle surface the server depends on.
type Orchestrator interface {
	EnsureRunning(ctx context.Context, name string, timeout time.Duration) error
	Endpoint(name string) (string, error)
	Card(ctx context.Context, name string) (*protocol.Card, error)
}

// Executor forwards a task's work to an agent and reports its events.
type Executor interface {
	Execute(ctx context.Context, endpoint string, req protocol.WorkRequest, fn func(protocol.WorkEvent) error) error
}

// Options tunes the server.
type Options struct {
	AgentWaitTimeout time.Duration // bound on EnsureRunning, default 30s
	WorkTimeout      time.Duration // bound on one work run, default 10m
	DedupeTTL        time.Duration // messageId memory, default 10m
	DedupeSize       int           // default 10000
	RateLimit        float64       // requests/second per identity; 0 disables
	RateBurst        int           // default 20
	MaxBodyBytes     int64         // default 4 MiB
}

func (o Options) withDefaults() Options {
	if o.AgentWaitTimeout <= 0 {
		o.AgentWaitTimeout = 30 * time.Second
	}
	if o.WorkTimeout <= 0 {
		o.WorkTimeout = 10 * time.Minute
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 10 * time.Minute
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = 10000
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 4 << 20
	}
	return o
}

// Params holds the server's collaborators. Validator and Metrics are optional.
type Params struct {
	Orchestrator Orchestrator
	Executor     Executor
	Store        store.Store
	Bus          *events.Bus
	Streams      *stream.Engine
	Validator    auth.Validator
	Metrics      *metrics.Metrics
	Options      Options
	Logger       *slog.Logger
}

// call is one authenticated JSON-RPC request against an agent.
type call struct {
	agent    string
	req      *jsonrpc.Request
	identity *auth.Identity
}

type unaryFunc func(ctx context.Context, c *call) (any, error)

type streamFunc func(ctx context.Context, c *call) (*session, error)

type route struct {
	scope  string
	unary  unaryFunc
	stream streamFunc
}

// run is one in-flight work execution.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Server serves the A2A protocol for every managed agent.
type Server struct {
	orch      Orchestrator
	exec      Executor
	store     store.Store
	bus       *events.Bus
	streams   *stream.Engine
	validator auth.Validator
	metrics   *metrics.Metrics
	opts      Options
	logger    *slog.Logger

	routes   map[string]route
	locks    *task.Locks
	dedupe   *dedupe.Cache
	builder  *artifact.Builder
	limiters *lru.Cache[string, *rate.Limiter]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
}

// NewServer creates a server. Background work runs until Shutdown.
func NewServer(p Params) (*Server, error) {
	switch {
	case p.Orchestrator == nil:
		return nil, errors.New("a2a: orchestrator is required")
	case p.Executor == nil:
		return nil, errors.New("a2a: executor is required")
	case p.Store == nil:
		return nil, errors.New("a2a: store is required")
	case p.Bus == nil:
		return nil, errors.New("a2a: event bus is required")
	case p.Streams == nil:
		return nil, errors.New("a2a: stream engine is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := p.Options.withDefaults()

	limiters, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		orch:      p.Orchestrator,
		exec:      p.Executor,
		store:     p.Store,
		bus:       p.Bus,
		streams:   p.Streams,
		validator: p.Validator,
		metrics:   p.Metrics,
		opts:      opts,
		logger:    logger.With("component", "a2a"),
		locks:     task.NewLocks(),
		dedupe:    dedupe.New(opts.DedupeTTL, opts.DedupeSize),
		builder:   artifact.NewBuilder(),
		limiters:  limiters,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*run),
	}
	s.routes = map[string]route{
		protocol.MethodSend:          {scope: auth.ScopeTasksWrite, unary: s.handleSend},
		protocol.MethodStream:        {scope: auth.ScopeTasksWrite, stream: s.handleStream},
		protocol.MethodGetTask:       {scope: auth.ScopeTasksRead, unary: s.handleGetTask},
		protocol.MethodCancelTask:    {scope: auth.ScopeTasksWrite, unary: s.handleCancelTask},
		protocol.MethodResubscribe:   {scope: auth.ScopeTasksRead, stream: s.handleResubscribe},
		protocol.MethodSetPushConfig: {scope: auth.ScopeTasksWrite, unary: s.handleSetPushConfig},
		protocol.MethodGetPushConfig: {scope: auth.ScopeTasksRead, unary: s.handleGetPushConfig},
	}
	return s, nil
}

// Register mounts the JSON-RPC endpoint and the card endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /a2a/{agent}", s.ServeRPC)
	mux.HandleFunc("GET /a2a/{agent}"+protocol.DefaultCardPath, s.ServeCard)
}

// Shutdown cancels in-flight work and waits for it to record its outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.dedupe.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackingWriter records whether a response has started so a recovered
// panic does not write a second one.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ServeRPC handles POST /a2a/{agent}.
func (s *Server) ServeRPC(rw http.ResponseWriter, r *http.Request) {
	w := &trackingWriter{ResponseWriter: rw}
	agentName := r.PathValue("agent")
	method := "invalid"
	var id any

	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("panic in rpc handler",
				"agent", agentName,
				"method", method,
				"panic", v,
				"stack", string(debug.Stack()),
			)
			rpcErr := jsonrpc.NewError(jsonrpc.InternalError, "Internal error")
			s.metrics.IncRPC(method, codeLabel(rpcErr))
			if !w.wrote {
				writeJSON(w, jsonrpc.NewErrorResponse(id, rpcErr))
			}
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		s.reply(w, method, nil, nil, &jsonrpc.RPCError{Code: jsonrpc.InvalidRequest, Message: "Invalid request", Data: err.Error()})
		return
	}

	req, rpcErr := jsonrpc.ParseRequest(body)
	if req != nil {
		id = req.ID
	}
	if rpcErr != nil {
		s.reply(w, method, id, nil, rpcErr)
		return
	}

	rt, ok := s.routes[req.Method]
	if !ok {
		s.reply(w, "unknown", id, nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found: "+req.Method))
		return
	}
	method = req.Method

	identity, err := auth.Authenticate(r.Context(), s.validator, r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="coven-runtime"`)
		s.reply(w, method, id, nil, toRPCError(err))
		return
	}
	if !identity.HasScope(rt.scope) {
		s.reply(w, method, id, nil, &jsonrpc.RPCError{Code: CodeForbidden, Message: "Forbidden", Data: rt.scope + " scope required"})
		return
	}
	if !s.allow(identity.Subject) {
		w.Header().Set("Retry-After", "1")
		s.reply(w, method, id, nil, jsonrpc.NewError(CodeRateLimited, "Rate limit exceeded"))
		return
	}

	c := &call{agent: agentName, req: req, identity: identity}
	ctx := auth.WithIdentity(r.Context(), identity)
	logger := s.logger.With("agent", agentName, "method", method, "subject", identity.Subject)
	logger.Debug("rpc call")

	if rt.stream != nil {
		s.serveStream(ctx, w, c, rt.stream)
		return
	}

	result, err := rt.unary(ctx, c)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == jsonrpc.InternalError {
			logger.Error("rpc call failed", "error", err)
		} else {
			logger.Debug("rpc call rejected", "code", rpcErr.Code, "error", err)
		}
		s.reply(w, method, id, nil, rpcErr)
		return
	}
	if req.IsNotification() {
		s.metrics.IncRPC(method, codeLabel(nil))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.reply(w, method, id, result, nil)
}

func (s *Server) reply(w http.ResponseWriter, method string, id, result any, rpcErr *jsonrpc.RPCError) {
	s.metrics.IncRPC(method, codeLabel(rpcErr))
	if rpcErr != nil {
		writeJSON(w, jsonrpc.NewErrorResponse(id, rpcErr))
		return
	}
	writeJSON(w, jsonrpc.NewResponse(id, result))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// allow applies the per-identity token bucket.
func (s *Server) allow(subject string) bool {
	if s.opts.RateLimit <= 0 {
		return true
	}
	lim, ok := s.limiters.Get(subject)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
		if prev, found, _ := s.limiters.PeekOrAdd(subject, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

// ServeCard handles GET /a2a/{agent}/.well-known/agent.json. The card's url
// is rewritten to the runtime's endpoint for the agent.
func (s *Server) ServeCard(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("agent")
	card, err := s.orch.Card(r.Context(), agentName)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
		return
	}

	out := *card
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	out.URL = scheme + "://" + r.Host + "/a2a/" + agentName
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out) //nolint:errcheck
}
