// Package signalrtest provides an in-process SignalR hub server for tests.
package signalrtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
)

// InvokeFunc handles a client hub invocation. The returned value is sent as the result.
type InvokeFunc func(args []json.RawMessage) (any, error)

// Options configures a Server.
type Options struct {
	Prefix           string   // connection root path (default: /hpc)
	Authorization    string   // required Authorization header, empty accepts any
	TLS              bool     // serve over HTTPS
	KeepAliveTimeout *float64 // advertised keep-alive timeout in seconds, nil disables
	NoWebSockets     bool     // advertise TryWebSockets=false
	SkipInit         bool     // never send the init frame
	// Routes registers extra handlers on the server mux, e.g. a fake REST API.
	Routes func(mux *http.ServeMux)
}

// Server is a minimal SignalR 1.5 hub endpoint.
type Server struct {
	*httptest.Server
	opts Options

	mu       sync.Mutex
	handlers map[string]InvokeFunc
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
	cursor   atomic.Int64

	negotiations atomic.Int64
	starts       atomic.Int64
	aborts       atomic.Int64
	invocations  atomic.Int64
	rejected     atomic.Int64
	connected    chan struct{}
}

// NewServer starts a server and registers its shutdown with tb.Cleanup.
func NewServer(tb testing.TB, opts Options) *Server {
	tb.Helper()
	if opts.Prefix == "" {
		opts.Prefix = "/hpc"
	}

	s := &Server{
		opts:      opts,
		handlers:  make(map[string]InvokeFunc),
		conns:     make(map[*websocket.Conn]struct{}),
		connected: make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	base := opts.Prefix + "/signalr"
	mux.HandleFunc("GET "+base+"/negotiate", s.authorized(s.negotiate))
	mux.HandleFunc("GET "+base+"/connect", s.authorized(s.connect))
	mux.HandleFunc("GET "+base+"/start", s.authorized(s.start))
	mux.HandleFunc("POST "+base+"/abort", s.authorized(s.abort))
	if opts.Routes != nil {
		opts.Routes(mux)
	}

	if opts.TLS {
		s.Server = httptest.NewTLSServer(mux)
	} else {
		s.Server = httptest.NewServer(mux)
	}
	tb.Cleanup(s.Close)
	return s
}

// ConnectionURL returns the root a client should connect to.
func (s *Server) ConnectionURL() string {
	return s.URL + s.opts.Prefix
}

// Handle registers the handler of a hub method. Names are case-insensitive.
func (s *Server) Handle(hub, method string, fn InvokeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key(hub, method)] = fn
}

// Push sends a hub method call to every connected client.
func (s *Server) Push(hub, method string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	frame := map[string]any{
		"C": fmt.Sprintf("d-1,%d", s.cursor.Add(1)),
		"M": []map[string]any{{"H": hub, "M": method, "A": args}},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.PushRaw(data)
}

// PushRaw sends a raw text frame to every connected client.
func (s *Server) PushRaw(data []byte) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// KeepAlive sends an empty keep-alive frame to every connected client.
func (s *Server) KeepAlive() error {
	return s.PushRaw([]byte("{}"))
}

// Disconnect drops every WebSocket connection without a close handshake.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.CloseNow()
	}
}

// Connected is signalled once for every accepted WebSocket connection.
func (s *Server) Connected() <-chan struct{} {
	return s.connected
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Negotiations returns the number of negotiate requests served.
func (s *Server) Negotiations() int64 { return s.negotiations.Load() }

// Starts returns the number of start requests served.
func (s *Server) Starts() int64 { return s.starts.Load() }

// Aborts returns the number of abort requests served.
func (s *Server) Aborts() int64 { return s.aborts.Load() }

// Invocations returns the number of hub invocations received.
func (s *Server) Invocations() int64 { return s.invocations.Load() }

// Rejected returns the number of requests refused for bad credentials.
func (s *Server) Rejected() int64 { return s.rejected.Load() }

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.Disconnect()
	s.wg.Wait()
	s.Server.Close()
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Authorization != "" && r.Header.Get("Authorization") != s.opts.Authorization {
			s.rejected.Add(1)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	s.negotiations.Add(1)
	n := s.negotiations.Load()
	writeJSON(w, map[string]any{
		"Url":                     s.opts.Prefix + "/signalr",
		"ConnectionToken":         fmt.Sprintf("token-%d", n),
		"ConnectionId":            fmt.Sprintf("conn-%d", n),
		"KeepAliveTimeout":        s.opts.KeepAliveTimeout,
		"DisconnectTimeout":       30.0,
		"ConnectionTimeout":       110.0,
		"TryWebSockets":           !s.opts.NoWebSockets,
		"ProtocolVersion":         "1.5",
		"TransportConnectTimeout": 5.0,
		"LongPollDelay":           0.0,
	})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	s.starts.Add(1)
	if r.URL.Query().Get("connectionToken") == "" {
		http.Error(w, "missing connection token", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"Response": "started"})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	s.aborts.Add(1)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("transport") != "webSockets" || q.Get("connectionToken") == "" {
		http.Error(w, "bad connect request", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.CloseNow()
		s.wg.Done()
	}()

	ctx := context.Background()
	if !s.opts.SkipInit {
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"C":"s-0,0","S":1,"M":[]}`)); err != nil {
			return
		}
	}
	select {
	case s.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		s.invoke(ctx, c, data)
	}
}

type invocation struct {
	Hub    string            `json:"H"`
	Method string            `json:"M"`
	Args   []json.RawMessage `json:"A"`
	ID     string            `json:"I"`
}

func (s *Server) invoke(ctx context.Context, c *websocket.Conn, data []byte) {
	var inv invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return
	}
	s.invocations.Add(1)

	s.mu.Lock()
	fn, ok := s.handlers[key(inv.Hub, inv.Method)]
	s.mu.Unlock()

	reply := map[string]any{"I": inv.ID}
	if !ok {
		reply["E"] = fmt.Sprintf("'%s' method could not be resolved.", inv.Method)
		reply["H"] = true
	} else if result, err := fn(inv.Args); err != nil {
		reply["E"] = err.Error()
		reply["H"] = true
	} else if result != nil {
		reply["R"] = result
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = c.Write(ctx, websocket.MessageText, out)
}

func key(hub, method string) string {
	return strings.ToLower(hub) + "." + strings.ToLower(method)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
