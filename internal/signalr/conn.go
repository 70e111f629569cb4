// Package signalr is a client for ASP.NET SignalR hub connections over WebSockets.
//
// A Conn negotiates a connection token, upgrades to a WebSocket, waits for the
// server's init frame and then confirms the transport with a start request.
// Server pushes are delivered on bounded per-method channels; the read loop never
// blocks on a slow subscriber, so hubs and methods do not delay each other.
package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"eventbvt/internal/apperrors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSubscriptionBuffer = 64
	defaultErrorBuffer        = 16
	maxMessageSize            = 1 << 20
	abortTimeout              = 2 * time.Second
)

// ErrClosed is returned by Invoke after the connection is closed.
var ErrClosed = errors.New("signalr: connection closed")

// Options configures a connection.
type Options struct {
	URL       string           // connection root, e.g. https://head/hpc; "/signalr" is appended
	Header    http.Header      // sent on every request, including the upgrade
	Transport http.RoundTripper // default: http.DefaultTransport
	Hubs      []string          // hubs subscribed at negotiation
	Logger    *slog.Logger
}

// Invocation is a hub method call pushed by the server.
type Invocation struct {
	Hub    string
	Method string
	Args   []json.RawMessage
}

type invocationResult struct {
	result json.RawMessage
	err    *string
}

type subscription struct {
	hub    string
	method string
	ch     chan Invocation
}

// Conn is an established hub connection.
type Conn struct {
	ws         *websocket.Conn
	httpClient *http.Client
	baseURL    string
	query      url.Values
	header     http.Header
	logger     *slog.Logger
	connID     string

	mu      sync.Mutex
	subs    map[string]*subscription
	pending map[string]chan invocationResult
	nextID  int
	closed  bool

	errs        chan error
	initialized chan struct{}
	initOnce    sync.Once
	done        chan struct{}
	readErr     error
	keepAlive   time.Duration
	dropped     atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Connect negotiates and starts a WebSocket hub connection.
// The context bounds the handshake only.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.URL, "/") + "/signalr"

	c := &Conn{
		httpClient:  &http.Client{Transport: transport},
		baseURL:     baseURL,
		header:      opts.Header.Clone(),
		logger:      logger.With("component", "signalr"),
		subs:        make(map[string]*subscription),
		pending:     make(map[string]chan invocationResult),
		errs:        make(chan error, defaultErrorBuffer),
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	if c.header == nil {
		c.header = http.Header{}
	}

	c.query = url.Values{}
	c.query.Set("clientProtocol", ProtocolVersion)
	c.query.Set("connectionData", connectionData(opts.Hubs))

	c.logger.Info("Connecting", "url", baseURL, "hubs", opts.Hubs)

	nego, err := c.negotiate(ctx)
	if err != nil {
		return nil, err
	}
	if !nego.TryWebSockets {
		return nil, apperrors.Transport("signalr.negotiate", errors.New("server does not accept WebSocket connections"))
	}
	c.connID = nego.ConnectionID
	c.keepAlive = nego.keepAlive()
	c.query.Set("connectionToken", nego.ConnectionToken)
	c.query.Set("transport", TransportWebSockets)

	ws, _, err := websocket.Dial(ctx, c.endpoint("/connect", true), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, apperrors.Transport("signalr.connect", err)
	}
	ws.SetReadLimit(maxMessageSize)
	c.ws = ws

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(readCtx)

	select {
	case <-c.initialized:
	case <-c.done:
		err := c.readErr
		c.Close()
		return nil, apperrors.Transport("signalr.init", err)
	case <-ctx.Done():
		c.Close()
		return nil, apperrors.Transport("signalr.init", ctx.Err())
	}

	if err := c.start(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.logger.Info("Connected", "connectionId", c.connID, "keepAlive", c.keepAlive)
	return c, nil
}

// ConnectionID returns the server-assigned connection id.
func (c *Conn) ConnectionID() string {
	return c.connID
}

// Errors returns asynchronous transport faults. Faults are dropped (and logged)
// when the channel is full.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, or nil after a clean Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Dropped returns the number of pushes discarded because a subscriber was full.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Hub returns a proxy for a named hub.
func (c *Conn) Hub(name string) *Hub {
	return &Hub{conn: c, name: name}
}

// Close stops the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		<-c.done
		c.abort()
		c.logger.Info("Disconnected", "connectionId", c.connID)
	})
	if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

func (c *Conn) endpoint(path string, websocketScheme bool) string {
	u := c.baseURL + path + "?" + c.query.Encode()
	if websocketScheme {
		switch {
		case strings.HasPrefix(u, "https://"):
			u = "wss://" + strings.TrimPrefix(u, "https://")
		case strings.HasPrefix(u, "http://"):
			u = "ws://" + strings.TrimPrefix(u, "http://")
		}
	}
	return u
}

func (c *Conn) negotiate(ctx context.Context) (negotiateResponse, error) {
	var resp negotiateResponse
	body, err := c.request(ctx, http.MethodGet, "/negotiate")
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, apperrors.Transport("signalr.negotiate", fmt.Errorf("decode response: %w", err))
	}
	if resp.ConnectionToken == "" {
		return resp, apperrors.Transport("signalr.negotiate", errors.New("no connection token"))
	}
	return resp, nil
}

func (c *Conn) start(ctx context.Context) error {
	body, err := c.request(ctx, http.MethodGet, "/start")
	if err != nil {
		return err
	}
	var resp startResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return apperrors.Transport("signalr.start", fmt.Errorf("decode response: %w", err))
	}
	if resp.Response != "started" {
		return apperrors.Transport("signalr.start", fmt.Errorf("unexpected start response %q", resp.Response))
	}
	return nil
}

// abort tells the server to drop the connection. Best effort.
func (c *Conn) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, err := c.request(ctx, http.MethodPost, "/abort"); err != nil {
		c.logger.Debug("Abort request failed", "error", err)
	}
}

func (c *Conn) request(ctx context.Context, method, path string) ([]byte, error) {
	op := "signalr." + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, false), nil)
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.API(resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown()

	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.keepAlive > 0 {
			readCtx, cancel = context.WithTimeout(ctx, c.keepAlive)
		}
		typ, data, err := c.ws.Read(readCtx)
		timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			if timedOut {
				err = fmt.Errorf("no keep-alive within %s: %w", c.keepAlive, err)
			}
			c.readErr = apperrors.Transport("signalr.read", err)
			c.report(c.readErr)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.report(apperrors.Transport("signalr.decode", fmt.Errorf("%w: %s", err, truncate(data))))
		return
	}

	if msg.Initialized == 1 {
		c.initOnce.Do(func() { close(c.initialized) })
	}
	if id := msg.invocationID(); id != "" {
		c.resolve(id, invocationResult{result: msg.Result, err: msg.Error})
	}
	for _, hm := range msg.Messages {
		c.dispatch(hm)
	}
}

func (c *Conn) resolve(id string, res invocationResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Result for unknown invocation", "id", id)
		return
	}
	ch <- res
}

func (c *Conn) dispatch(hm hubMessage) {
	c.mu.Lock()
	sub, ok := c.subs[subscriptionKey(hm.Hub, hm.Method)]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("No subscriber", "hub", hm.Hub, "method", hm.Method)
		return
	}

	select {
	case sub.ch <- Invocation{Hub: hm.Hub, Method: hm.Method, Args: hm.Args}:
	default:
		c.dropped.Add(1)
		c.logger.Warn("Push dropped, subscriber buffer full", "hub", sub.hub, "method", sub.method)
		c.report(apperrors.Transport("signalr.dispatch",
			fmt.Errorf("%s.%s subscriber buffer full, push dropped", sub.hub, sub.method)))
	}
}

func (c *Conn) report(err error) {
	c.logger.Error("HubConnection exception", "error", err)
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown runs once when the read loop exits.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	for key, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, key)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) register(hub, method string, size int) <-chan Invocation {
	key := subscriptionKey(hub, method)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[key]; ok {
		return sub.ch
	}
	if size <= 0 {
		size = defaultSubscriptionBuffer
	}
	ch := make(chan Invocation, size)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs[key] = &subscription{hub: hub, method: method, ch: ch}
	return ch
}

func (c *Conn) invoke(ctx context.Context, hub, method string, args []any) (json.RawMessage, error) {
	op := "signalr.invoke " + hub + "." + method
	if args == nil {
		args = []any{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.Transport(op, ErrClosed)
	}
	id := strconv.Itoa(c.nextID)
	c.nextID++
	resCh := make(chan invocationResult, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	data, err := json.Marshal(clientInvocation{Hub: hub, Method: method, Args: args, ID: id})
	if err != nil {
		forget()
		return nil, apperrors.Internal(op, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return nil, apperrors.Transport(op, err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, apperrors.Transport(op, errors.New(*res.err))
		}
		return res.result, nil
	case <-ctx.Done():
		forget()
		return nil, apperrors.Transport(op, ctx.Err())
	case <-c.done:
		forget()
		return nil, apperrors.Transport(op, ErrClosed)
	}
}

func truncate(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
