package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/greenroom/internal/notify"
)

// sseEvent is one event on the wire.
type sseEvent struct {
	Event string
	Data  any
}

// Hub fans scheduler transitions out to connected SSE clients. It implements
// notify.Notifier, so it plugs into the scheduler's notifier fanout.
type Hub struct {
	mu   sync.Mutex
	subs map[chan sseEvent]struct{}
}

// NewHub creates an SSE hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan sseEvent]struct{})}
}

// Subscribe registers a client channel. The returned cancel func must be
// called when the client disconnects.
func (h *Hub) Subscribe() (<-chan sseEvent, func()) {
	ch := make(chan sseEvent, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *Hub) broadcast(ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default: // slow client, drop
		}
	}
}

// RoundTransition implements notify.Notifier.
func (h *Hub) RoundTransition(ev notify.RoundEvent) {
	h.broadcast(sseEvent{Event: "round", Data: ev})
}

// RunTransition implements notify.Notifier.
func (h *Hub) RunTransition(ev notify.RunEvent) {
	h.broadcast(sseEvent{Event: "run", Data: ev})
}

var _ notify.Notifier = (*Hub)(nil)

// handleSSE streams hub events to the client until it disconnects.
func handleSSE(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		events, cancel := hub.Subscribe()
		defer cancel()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev := <-events:
				writeSSE(c.Writer, ev.Event, ev.Data)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
