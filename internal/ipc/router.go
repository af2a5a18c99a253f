// Package ipc implements the orchestrator's local control surface: a
// unix-domain socket speaking line-delimited JSON, one verb per request,
// dispatched against the shared task store, registry, scheduler, and
// coordinators.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/tracing"
)

// Router owns the listening socket and dispatches accepted connections to
// verb handlers.
type Router struct {
	socketPath string
	deps       *Deps

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Router bound to socketPath, not yet listening.
func New(socketPath string, deps *Deps) *Router {
	return &Router{socketPath: socketPath, deps: deps}
}

// Start removes any stale socket file, binds the listener, and begins
// accepting connections in the background. It returns once the listener
// is live.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("ipc: router already running")
	}

	if err := os.Remove(r.socketPath); err != nil && !os.IsNotExist(err) {
		r.mu.Unlock()
		return fmt.Errorf("ipc: clearing stale socket %s: %w", r.socketPath, err)
	}

	listener, err := net.Listen("unix", r.socketPath)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("ipc: listen on %s: %w", r.socketPath, err)
	}
	r.listener = listener
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.acceptLoop(ctx)

	return nil
}

// Stop closes the listener, waits for in-flight connections to finish
// their current request, and removes the socket file.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	listener := r.listener
	r.mu.Unlock()

	var closeErr error
	if listener != nil {
		closeErr = listener.Close()
	}
	r.wg.Wait()
	_ = os.Remove(r.socketPath)
	return closeErr
}

func (r *Router) acceptLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.mu.Lock()
			stillRunning := r.running
			r.mu.Unlock()
			if !stillRunning {
				return
			}
			r.deps.Log.Warn("ipc: accept failed", zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveConn(ctx, conn)
		}()
	}
}

// serveConn handles every request on one connection, one at a time, until
// the client disconnects or sends malformed JSON. A half-open socket
// (client shut its write side, keeps reading) is tolerated: we only stop
// once Decode itself reports EOF.
func (r *Router) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 64*1024)
	decoder := json.NewDecoder(reader)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := r.dispatch(ctx, req)
		if err := r.writeResponse(conn, resp); err != nil {
			r.deps.Log.Debug("ipc: write response failed", zap.Error(err))
			return
		}
	}
}

func (r *Router) writeResponse(conn net.Conn, resp Response) error {
	body, err := encode(resp)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	_, err = conn.Write(body)
	return err
}

func (r *Router) dispatch(ctx context.Context, req Request) Response {
	verbType := req.Type()
	handler, ok := handlers[verbType]
	if !ok {
		return FailMsg("unknown type: " + verbType)
	}

	// Tag this request with a correlation id so every log line it produces,
	// across handler, verifier, and coordinator calls, can be grep'd back
	// together even when several verbs are in flight concurrently.
	ctx = context.WithValue(ctx, logger.RequestIDKey, uuid.New().String())
	reqLog := r.deps.Log.WithContext(ctx).WithVerb(verbType)
	if taskID := req.Str("taskId"); taskID != "" {
		reqLog = reqLog.WithTaskID(taskID)
	}
	if agentID := req.Str("agentId"); agentID != "" {
		reqLog = reqLog.WithAgentID(agentID)
	}

	spanCtx, span := tracing.StartVerb(ctx, verbType, req.Str("taskId"), req.Str("agentId"))
	start := time.Now()

	resp := r.safeInvoke(spanCtx, handler, req, reqLog)

	tracing.EndVerb(span, resp.OK, errFromResponse(resp))
	reqLog.Debug("ipc: handled verb", zap.Bool("ok", resp.OK), zap.Duration("elapsed", time.Since(start)))

	return resp
}

// safeInvoke recovers a handler panic into a failure response rather than
// taking down the whole connection goroutine.
func (r *Router) safeInvoke(ctx context.Context, handler HandlerFunc, req Request, reqLog *logger.Logger) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			reqLog.Error("ipc: handler panicked", zap.Any("recover", rec))
			resp = FailMsg(fmt.Sprintf("internal error handling %s", req.Type()))
		}
	}()
	return handler(ctx, r.deps, req)
}

func errFromResponse(resp Response) error {
	if resp.OK || resp.Error == "" {
		return nil
	}
	return fmt.Errorf("%s", resp.Error)
}
