package signalr

import (
	"context"
	"encoding/json"
)

// Hub is a proxy for one server hub on a connection.
type Hub struct {
	conn *Conn
	name string
}

// Name returns the hub name.
func (h *Hub) Name() string {
	return h.name
}

// Subscribe returns the channel on which pushes of method are delivered, in the
// order the server sent them. size bounds the buffer; pushes arriving while it is
// full are dropped and reported on Conn.Errors. Subscribing twice returns the same
// channel. The channel is closed when the connection ends.
func (h *Hub) Subscribe(method string, size int) <-chan Invocation {
	return h.conn.register(h.name, method, size)
}

// Invoke calls a hub method and waits for its result.
func (h *Hub) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return h.conn.invoke(ctx, h.name, method, args)
}
