package signalr

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConnectionData(t *testing.T) {
	t.Parallel()
	got := connectionData([]string{"JobEventHub", "TaskEventHub"})
	want := `[{"name":"jobeventhub"},{"name":"taskeventhub"}]`
	if got != want {
		t.Errorf("connectionData() = %s, want %s", got, want)
	}
	if got := connectionData(nil); got != "[]" {
		t.Errorf("connectionData(nil) = %s, want []", got)
	}
}

func TestServerMessage_InvocationID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		frame string
		want  string
	}{
		{`{"I":"3"}`, "3"},
		{`{"I":4,"R":true}`, "4"},
		{`{"C":"d-1,2","M":[]}`, ""},
		{`{}`, ""},
	}

	for _, tt := range tests {
		var msg serverMessage
		if err := json.Unmarshal([]byte(tt.frame), &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.frame, err)
		}
		if got := msg.invocationID(); got != tt.want {
			t.Errorf("invocationID(%s) = %q, want %q", tt.frame, got, tt.want)
		}
	}
}

func TestNegotiateResponse_KeepAlive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		body string
		want time.Duration
	}{
		{`{"KeepAliveTimeout":20.0}`, 20 * time.Second},
		{`{"KeepAliveTimeout":0.5}`, 500 * time.Millisecond},
		{`{"KeepAliveTimeout":null}`, 0},
		{`{}`, 0},
	}

	for _, tt := range tests {
		var n negotiateResponse
		if err := json.Unmarshal([]byte(tt.body), &n); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.body, err)
		}
		if got := n.keepAlive(); got != tt.want {
			t.Errorf("keepAlive(%s) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()
	c := &Conn{baseURL: "https://head/hpc/signalr", query: map[string][]string{"transport": {"webSockets"}}}

	if got := c.endpoint("/connect", true); got != "wss://head/hpc/signalr/connect?transport=webSockets" {
		t.Errorf("endpoint(ws) = %s", got)
	}
	if got := c.endpoint("/start", false); got != "https://head/hpc/signalr/start?transport=webSockets" {
		t.Errorf("endpoint(http) = %s", got)
	}

	plain := &Conn{baseURL: "http://127.0.0.1:8080/hpc/signalr", query: map[string][]string{}}
	if got := plain.endpoint("/connect", true); got != "ws://127.0.0.1:8080/hpc/signalr/connect?" {
		t.Errorf("endpoint(plain ws) = %s", got)
	}
}
