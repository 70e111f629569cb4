package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"eventbvt/internal/apperrors"
	"eventbvt/internal/signalr/signalrtest"
	"eventbvt/internal/testutil"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

const testAuth = "Basic aHBjYWRtaW46cHc="

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTransport(t *testing.T) *http.Transport {
	t.Helper()
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return tr
}

func dial(t *testing.T, srv *signalrtest.Server, tr http.RoundTripper, hubs ...string) *Conn {
	t.Helper()
	if tr == nil {
		tr = newTransport(t)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, Options{
		URL:       srv.ConnectionURL(),
		Header:    http.Header{"Authorization": []string{testAuth}},
		Transport: tr,
		Hubs:      hubs,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func argString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode arg %s: %v", raw, err)
	}
	return s
}

func TestConnect(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{Authorization: testAuth})

	conn := dial(t, srv, nil, "JobEventHub", "TaskEventHub")

	if conn.ConnectionID() != "conn-1" {
		t.Errorf("ConnectionID() = %q", conn.ConnectionID())
	}
	if srv.Negotiations() != 1 || srv.Starts() != 1 {
		t.Errorf("negotiations=%d starts=%d, want 1 each", srv.Negotiations(), srv.Starts())
	}
	if srv.Connections() != 1 {
		t.Errorf("Connections() = %d, want 1", srv.Connections())
	}
}

func TestConnect_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{Authorization: "Basic other"})

	_, err := Connect(context.Background(), Options{
		URL:       srv.ConnectionURL(),
		Header:    http.Header{"Authorization": []string{testAuth}},
		Transport: newTransport(t),
	})
	if !errors.Is(err, apperrors.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apperrors.StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apperrors.StatusCode(err))
	}
	if srv.Connections() != 0 {
		t.Error("no WebSocket should be opened after a failed negotiation")
	}
}

func TestConnect_WebSocketsUnavailable(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{NoWebSockets: true})

	_, err := Connect(context.Background(), Options{URL: srv.ConnectionURL(), Transport: newTransport(t)})
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestConnect_NoInitFrame(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{SkipInit: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Connect(ctx, Options{URL: srv.ConnectionURL(), Transport: newTransport(t)})
	if !errors.Is(err, apperrors.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport deadline error, got %v", err)
	}
	if srv.Starts() != 0 {
		t.Error("start must not be sent before the init frame")
	}
}

func TestConnect_TLS(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{TLS: true})

	conn := dial(t, srv, srv.Client().Transport, "JobEventHub")
	if conn.ConnectionID() == "" {
		t.Error("expected connection id")
	}
}

func TestInvoke(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	var gotJob int
	srv.Handle("JobEventHub", "BeginListen", func(args []json.RawMessage) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("expected one argument")
		}
		if err := json.Unmarshal(args[0], &gotJob); err != nil {
			return nil, err
		}
		return nil, nil
	})
	srv.Handle("JobEventHub", "Echo", func(args []json.RawMessage) (any, error) {
		return args[0], nil
	})

	conn := dial(t, srv, nil, "JobEventHub")
	hub := conn.Hub("JobEventHub")

	if _, err := hub.Invoke(context.Background(), "BeginListen", 42); err != nil {
		t.Fatalf("Invoke(BeginListen) error = %v", err)
	}
	if gotJob != 42 {
		t.Errorf("server saw job %d, want 42", gotJob)
	}

	result, err := hub.Invoke(context.Background(), "Echo", "hello")
	if err != nil {
		t.Fatalf("Invoke(Echo) error = %v", err)
	}
	if argString(t, result) != "hello" {
		t.Errorf("Echo result = %s", result)
	}
}

func TestInvoke_ServerError(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")

	_, err := conn.Hub("JobEventHub").Invoke(context.Background(), "Missing")
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not be resolved") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	release := make(chan struct{})
	srv.Handle("JobEventHub", "Slow", func(args []json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	conn := dial(t, srv, nil, "JobEventHub")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Hub("JobEventHub").Invoke(ctx, "Slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubscribe_OrderAndCaseInsensitivity(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")
	events := conn.Hub("JobEventHub").Subscribe("JobStateChange", 16)

	states := []string{"Submitted", "Queued", "Running", "Finished"}
	for _, state := range states {
		if err := srv.Push("jobeventhub", "jobStateChange", 42, state, "x"); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for _, want := range states {
		inv := testutil.Receive(t, events)
		if len(inv.Args) != 3 {
			t.Fatalf("expected 3 args, got %d", len(inv.Args))
		}
		if got := argString(t, inv.Args[1]); got != want {
			t.Errorf("state = %q, want %q", got, want)
		}
	}
}

func TestSubscribe_SameChannelTwice(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")

	a := conn.Hub("JobEventHub").Subscribe("JobStateChange", 1)
	b := conn.Hub("jobeventhub").Subscribe("JOBSTATECHANGE", 8)
	if a != b {
		t.Error("expected the same channel for the same hub method")
	}
}

func TestSubscribe_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub", "TaskEventHub")

	stalled := conn.Hub("JobEventHub").Subscribe("JobStateChange", 1)
	tasks := conn.Hub("TaskEventHub").Subscribe("TaskStateChange", 4)

	for i := 0; i < 5; i++ {
		if err := srv.Push("JobEventHub", "JobStateChange", 1, "Running", "Queued"); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	if err := srv.Push("TaskEventHub", "TaskStateChange", 1, 1, 0, "Running", "Dispatching"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	inv := testutil.Receive(t, tasks)
	if inv.Method != "TaskStateChange" {
		t.Errorf("unexpected push %+v", inv)
	}
	testutil.MustReach(t, conn.Dropped, 4)

	select {
	case err := <-conn.Errors():
		if !errors.Is(err, apperrors.ErrTransport) {
			t.Errorf("expected transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected overflow to be reported")
	}

	if len(stalled) != 1 {
		t.Errorf("stalled subscriber should hold one push, holds %d", len(stalled))
	}
}

func TestKeepAliveAndMalformedFrames(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")
	events := conn.Hub("JobEventHub").Subscribe("JobStateChange", 4)

	if err := srv.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive() error = %v", err)
	}
	if err := srv.PushRaw([]byte("not json")); err != nil {
		t.Fatalf("PushRaw() error = %v", err)
	}
	if err := srv.Push("JobEventHub", "JobStateChange", 7, "Queued", "Submitted"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	inv := testutil.Receive(t, events)
	if argString(t, inv.Args[1]) != "Queued" {
		t.Errorf("unexpected push %+v", inv)
	}

	select {
	case err := <-conn.Errors():
		if !errors.Is(err, apperrors.ErrTransport) || !strings.Contains(err.Error(), "signalr.decode") {
			t.Errorf("expected decode error, got %v", err)
		}
	default:
		t.Error("expected the malformed frame to be reported")
	}
	if conn.Err() != nil {
		t.Errorf("connection should survive a malformed frame: %v", conn.Err())
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	t.Parallel()
	timeout := 0.1
	srv := signalrtest.NewServer(t, signalrtest.Options{KeepAliveTimeout: &timeout})
	conn := dial(t, srv, nil, "JobEventHub")

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected the connection to end without keep-alives")
	}
	if err := conn.Err(); !errors.Is(err, apperrors.ErrTransport) || !strings.Contains(err.Error(), "keep-alive") {
		t.Errorf("Err() = %v", err)
	}
}

func TestServerDisconnect(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")
	events := conn.Hub("JobEventHub").Subscribe("JobStateChange", 4)

	srv.Disconnect()

	select {
	case err := <-conn.Errors():
		if !errors.Is(err, apperrors.ErrTransport) {
			t.Errorf("expected transport error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected disconnect to be reported")
	}
	<-conn.Done()

	testutil.MustClose(t, events)
	if _, err := conn.Hub("JobEventHub").Invoke(context.Background(), "BeginListen", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	srv := signalrtest.NewServer(t, signalrtest.Options{})
	conn := dial(t, srv, nil, "JobEventHub")
	events := conn.Hub("JobEventHub").Subscribe("JobStateChange", 4)

	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if conn.Err() != nil {
		t.Errorf("Err() after clean close = %v", conn.Err())
	}
	testutil.MustClose(t, events)
	if srv.Aborts() != 1 {
		t.Errorf("Aborts() = %d, want 1", srv.Aborts())
	}
	testutil.MustWaitFor(t, func() bool { return srv.Connections() == 0 })

	select {
	case err := <-conn.Errors():
		t.Errorf("clean close should not report a fault: %v", err)
	default:
	}
}
