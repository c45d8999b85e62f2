// Package livefeed pushes core.ChangeEvent notifications out over
// websocket, adapted from the teacher's service/chat package: Client
// keeps the teacher's per-connection outbound queue shape, Fanout
// keeps its worker-pool broadcast shape, and Hub replaces
// ConnManager's user/session bookkeeping with per-identity interest
// registration (a livefeed subscriber cares about specific group ids,
// not "everything for this websocket").
package livefeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ppmesh/exchange-core/core"
	"github.com/ppmesh/exchange-core/corelog"
	"github.com/ppmesh/exchange-core/idgen"
)

// Client is one subscriber connection.
type Client struct {
	ConnID string
	Ident  string
	WS     *websocket.Conn
	Send   chan []byte

	mu      sync.Mutex
	groups  map[core.GroupID]struct{} // empty set = interested in everything
}

func NewClient(ident string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{ConnID: idgen.NextString(), Ident: ident, WS: ws, Send: make(chan []byte, sendQueueSize), groups: make(map[core.GroupID]struct{})}
}

// Subscribe narrows a client's interest to a specific set of groups;
// called with no ids, the client keeps receiving everything.
func (c *Client) Subscribe(ids ...core.GroupID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.groups[id] = struct{}{}
	}
}

func (c *Client) interested(ids []core.GroupID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := c.groups[id]; ok {
			return true
		}
	}
	return false
}

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// fanout is a fixed worker pool that drains broadcast jobs, matching
// service/chat/fanout.go's Fanout: slow clients get skipped rather
// than blocking the pool.
type fanout struct {
	jobs chan fanoutJob
}

func newFanout(workers, queue int) *fanout {
	f := &fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					select {
					case c.Send <- job.payload:
					default:
					}
				}
			}
		}()
	}
	return f
}

func (f *fanout) broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

// Hub is a core.Notifier that fans core.ChangeEvent out to registered
// websocket clients. It only implements NotifyChanges: raw group and
// message bytes stay on the transport bridges (kafkabridge/natsbridge),
// this hub only carries the lightweight "something changed" signal a
// live UI needs to know to re-poll or re-render.
type Hub struct {
	log *corelog.Logger
	fan *fanout

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(log *corelog.Logger, workers, queue int) *Hub {
	if log == nil {
		log = corelog.Nop()
	}
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	return &Hub{log: log, fan: newFanout(workers, queue), clients: make(map[string]*Client)}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		close(c.Send)
		delete(h.clients, connID)
	}
}

// NotifyNewGroups/NotifyNewMessages are no-ops: the hub only forwards
// the lightweight ChangeEvent signal, not raw wire bytes — those are
// the transport bridges' concern (kafkabridge/natsbridge).
func (h *Hub) NotifyNewGroups(ctx context.Context, groups []core.Group) error   { return nil }
func (h *Hub) NotifyNewMessages(ctx context.Context, msgs []core.Message) error { return nil }

// NotifyChanges is core.Notifier's off-lock delivery hook: Engine.Tick
// calls this once per phase's aggregated notification, already outside
// the engine's lock (spec's "deliver notifications off-lock" step).
func (h *Hub) NotifyChanges(ctx context.Context, event core.ChangeEvent) error {
	buf, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ids := event.GroupIDs

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.interested(ids) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.fan.broadcast(targets, buf)
	return nil
}
