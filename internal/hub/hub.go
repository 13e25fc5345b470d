// Package hub fans out decoded bus packets to connected TCP bridge
// clients. Delivery is best-effort per client: a slow observer either
// loses packets or is kicked, per the configured backpressure policy, and
// never stalls the bus side.
package hub

import (
	"sync"

	"github.com/geabus/bus-server/internal/logging"
	"github.com/geabus/bus-server/internal/metrics"
)

// Packet is the bridge-level view of a decoded GEA packet.
type Packet struct {
	Destination byte
	Source      byte
	Payload     []byte
}

// BackpressurePolicy decides what happens when a client's buffer is full.
type BackpressurePolicy int

const (
	// PolicyDrop loses the packet for that client only.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick disconnects the client so it can reconnect and resync.
	PolicyKick
)

// Client is one observer's delivery channel pair. The hub writes to Out;
// the owning connection writer drains it and closes Closed on teardown.
type Client struct {
	Out       chan Packet
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub tracks connected clients and broadcasts packets to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	// OutBufSize is advisory: the bridge sizes new client channels
	// with it. Policy selects the full-buffer behavior.
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates an empty Hub with drop backpressure.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	wasEmpty := len(h.clients) == 0
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if wasEmpty {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and closes it. Safe to call repeatedly.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()

	c.Close()
	metrics.SetHubClients(remaining)
	if existed && remaining == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers pkt to every client without ever blocking: a client
// whose buffer is full is handled per the configured policy.
func (h *Hub) Broadcast(pkt Packet) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	h.sampleQueueDepth(clients)

	for _, c := range clients {
		select {
		case c.Out <- pkt:
		default:
			h.handleFull(c)
		}
	}
}

func (h *Hub) handleFull(c *Client) {
	if h.Policy == PolicyKick {
		metrics.IncHubKick()
		// Closing signals the connection writer to exit; the bridge
		// removes the client on disconnect.
		c.Close()
		return
	}
	metrics.IncHubDrop()
}

// sampleQueueDepth records max and mean per-client backlog for the
// metrics endpoint.
func (h *Hub) sampleQueueDepth(clients []*Client) {
	if len(clients) == 0 {
		return
	}
	max, sum := 0, 0
	for _, c := range clients {
		n := len(c.Out)
		if n > max {
			max = n
		}
		sum += n
	}
	metrics.SetQueueDepth(max, sum/len(clients))
}
