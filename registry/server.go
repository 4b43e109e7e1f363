package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/toolerr"
)

const (
	// HeaderSessionID carries the session id on streamable HTTP requests.
	HeaderSessionID = "Mcp-Session-Id"

	maxMessageSize = 4 << 20
	outboxSize     = 64
)

// ServeStdio runs the registry as an MCP server over a line-delimited
// JSON-RPC stream, normally stdin and stdout. tools/call requests run
// concurrently; notifications are written to out between responses.
// Blocks until in is exhausted or ctx is cancelled.
func ServeStdio(ctx context.Context, r *Registry, in io.Reader, out io.Writer) error {
	w := &lineWriter{enc: json.NewEncoder(out)}
	conn, err := r.NewConn("", func(_ context.Context, n MCPNotification) error {
		return w.write(n)
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	var readErr error
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr = scanner.Err()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-gctx.Done():
			conn.Close()
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := g.Wait(); err != nil {
					return err
				}
				if readErr != nil {
					return fmt.Errorf("scanner error: %w", readErr)
				}
				return nil
			}
			var req MCPRequest
			if err := json.Unmarshal(line, &req); err != nil {
				resp := errorResponse(nil, &MCPError{Code: ErrCodeParseError, Message: err.Error()})
				if err := w.write(resp); err != nil {
					return fmt.Errorf("failed to encode error response: %w", err)
				}
				continue
			}
			if req.Method == "tools/call" && !req.IsNotification() {
				g.Go(func() error {
					return w.write(conn.Handle(gctx, req))
				})
				continue
			}
			if resp := conn.Handle(gctx, req); resp != nil {
				if err := w.write(resp); err != nil {
					return fmt.Errorf("failed to encode response: %w", err)
				}
			}
		}
	}
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// HTTPHandler serves the registry over streamable HTTP: JSON-RPC on
// POST /mcp, a server-sent event stream of notifications on GET /mcp and
// session teardown on DELETE /mcp. It also serves /healthz and /metrics.
type HTTPHandler struct {
	reg    *Registry
	router *chi.Mux
	logger pslog.Logger

	mu    sync.Mutex
	conns map[string]*httpConn
}

type httpConn struct {
	conn   *Conn
	outbox chan MCPNotification
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	streaming bool
}

// NewHTTPHandler returns the HTTP transport for r.
func NewHTTPHandler(r *Registry) *HTTPHandler {
	h := &HTTPHandler{
		reg:    r,
		router: chi.NewRouter(),
		logger: r.logger.With("transport", "http"),
		conns:  make(map[string]*httpConn),
	}
	h.router.Use(middleware.RequestID)
	h.router.Use(middleware.RealIP)
	h.router.Use(h.logRequests)
	h.router.Use(middleware.Recoverer)

	h.router.Get("/healthz", h.handleHealth)
	h.router.Method(http.MethodGet, "/metrics", r.MetricsHandler())
	h.router.Post("/mcp", h.handlePost)
	h.router.Get("/mcp", h.handleStream)
	h.router.Delete("/mcp", h.handleDelete)
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

// Sessions returns the number of open HTTP sessions.
func (h *HTTPHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every HTTP session.
func (h *HTTPHandler) Close() {
	h.mu.Lock()
	conns := make([]*httpConn, 0, len(h.conns))
	for id, hc := range h.conns {
		conns = append(conns, hc)
		delete(h.conns, id)
	}
	h.mu.Unlock()
	for _, hc := range conns {
		hc.close()
	}
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		h.logger.Debug("http.request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(req.Context()),
		)
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.reg.HealthCheck(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HTTPHandler) open() (*httpConn, error) {
	hc := &httpConn{
		outbox: make(chan MCPNotification, outboxSize),
		closed: make(chan struct{}),
	}
	conn, err := h.reg.NewConn("", hc.send)
	if err != nil {
		return nil, err
	}
	hc.conn = conn
	h.mu.Lock()
	h.conns[conn.SessionID()] = hc
	h.mu.Unlock()
	return hc, nil
}

func (h *HTTPHandler) get(id string) (*httpConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hc, ok := h.conns[id]
	return hc, ok
}

func (h *HTTPHandler) remove(id string) bool {
	h.mu.Lock()
	hc, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		hc.close()
	}
	return ok
}

// send queues a notification for the event stream. Without a listening
// stream a full outbox drops the notification instead of stalling the
// notifier.
func (hc *httpConn) send(ctx context.Context, n MCPNotification) error {
	hc.mu.Lock()
	streaming := hc.streaming
	hc.mu.Unlock()
	if !streaming {
		select {
		case hc.outbox <- n:
		case <-hc.closed:
			return ErrClosed
		default:
		}
		return nil
	}
	select {
	case hc.outbox <- n:
		return nil
	case <-hc.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hc *httpConn) close() {
	hc.once.Do(func() {
		close(hc.closed)
		hc.conn.Close()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, req *http.Request) {
	var mcpReq MCPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxMessageSize)).Decode(&mcpReq); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, &MCPError{Code: ErrCodeParseError, Message: err.Error()}))
		return
	}

	sid := req.Header.Get(HeaderSessionID)
	var hc *httpConn
	switch {
	case sid == "" && mcpReq.Method == "initialize":
		var err error
		if hc, err = h.open(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse(mcpReq.ID, toMCPError(err)))
			return
		}
	case sid == "":
		writeJSON(w, http.StatusBadRequest, errorResponse(mcpReq.ID, &MCPError{
			Code:    ErrCodeInvalidRequest,
			Message: "missing " + HeaderSessionID + " header",
		}))
		return
	default:
		var ok bool
		if hc, ok = h.get(sid); !ok {
			writeJSON(w, http.StatusNotFound, errorResponse(mcpReq.ID, &MCPError{
				Code:    ErrCodeInvalidRequest,
				Message: "unknown session",
				Data:    map[string]any{"kind": string(toolerr.KindNotFound)},
			}))
			return
		}
	}

	w.Header().Set(HeaderSessionID, hc.conn.SessionID())
	resp := hc.conn.Handle(req.Context(), mcpReq)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleStream(w http.ResponseWriter, req *http.Request) {
	hc, ok := h.get(req.Header.Get(HeaderSessionID))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	hc.mu.Lock()
	if hc.streaming {
		hc.mu.Unlock()
		http.Error(w, "stream already open", http.StatusConflict)
		return
	}
	hc.streaming = true
	hc.mu.Unlock()
	defer func() {
		hc.mu.Lock()
		hc.streaming = false
		hc.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderSessionID, hc.conn.SessionID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-hc.closed:
			return
		case n := <-hc.outbox:
			if err := writeSSEEvent(w, flusher, "message", n); err != nil {
				return
			}
		}
	}
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, req *http.Request) {
	if !h.remove(req.Header.Get(HeaderSessionID)) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	f.Flush()
	return nil
}
