package signalr

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolVersion is the hub protocol spoken by the client.
const ProtocolVersion = "1.5"

// TransportWebSockets is the only transport the client uses.
const TransportWebSockets = "webSockets"

type hubName struct {
	Name string `json:"name"`
}

// connectionData encodes the hubs a connection subscribes to.
func connectionData(hubs []string) string {
	names := make([]hubName, len(hubs))
	for i, h := range hubs {
		names[i] = hubName{Name: strings.ToLower(h)}
	}
	data, _ := json.Marshal(names)
	return string(data)
}

// negotiateResponse is the body of GET {base}/negotiate.
type negotiateResponse struct {
	URL                     string   `json:"Url"`
	ConnectionToken         string   `json:"ConnectionToken"`
	ConnectionID            string   `json:"ConnectionId"`
	KeepAliveTimeout        *float64 `json:"KeepAliveTimeout"`
	DisconnectTimeout       float64  `json:"DisconnectTimeout"`
	ConnectionTimeout       float64  `json:"ConnectionTimeout"`
	TryWebSockets           bool     `json:"TryWebSockets"`
	ProtocolVersion         string   `json:"ProtocolVersion"`
	TransportConnectTimeout float64  `json:"TransportConnectTimeout"`
	LongPollDelay           float64  `json:"LongPollDelay"`
}

func (n negotiateResponse) keepAlive() time.Duration {
	if n.KeepAliveTimeout == nil || *n.KeepAliveTimeout <= 0 {
		return 0
	}
	return time.Duration(*n.KeepAliveTimeout * float64(time.Second))
}

// startResponse is the body of GET {base}/start.
type startResponse struct {
	Response string `json:"Response"`
}

// clientInvocation is a hub method call sent by the client.
type clientInvocation struct {
	Hub    string `json:"H"`
	Method string `json:"M"`
	Args   []any  `json:"A"`
	ID     string `json:"I"`
}

// serverMessage is any frame sent by the server. An empty object is a keep-alive.
type serverMessage struct {
	Cursor      string          `json:"C,omitempty"`
	Initialized int             `json:"S,omitempty"`
	Messages    []hubMessage    `json:"M,omitempty"`
	Groups      string          `json:"G,omitempty"`
	Reconnect   int             `json:"T,omitempty"`
	ID          json.RawMessage `json:"I,omitempty"`
	Result      json.RawMessage `json:"R,omitempty"`
	Error       *string         `json:"E,omitempty"`
	HubError    bool            `json:"H,omitempty"`
	ErrorData   json.RawMessage `json:"D,omitempty"`
}

// invocationID returns the id of a result frame, or "".
func (m serverMessage) invocationID() string {
	if len(m.ID) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(m.ID, &id); err == nil {
		return id
	}
	return strings.TrimSpace(string(m.ID))
}

// hubMessage is a server-to-client hub method call.
type hubMessage struct {
	Hub    string            `json:"H"`
	Method string            `json:"M"`
	Args   []json.RawMessage `json:"A"`
}

func subscriptionKey(hub, method string) string {
	return strings.ToLower(hub) + "." + strings.ToLower(method)
}
