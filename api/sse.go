package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bottleline/engine"
	"bottleline/logging"
)

// SSE event type constants.
const (
	eventStatus = "status"
	eventTag    = "tag"
)

// keepaliveInterval is the period of SSE comment lines on idle streams.
const keepaliveInterval = 30 * time.Second

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Tag  string // set when event is tag-specific (for filtering)
	Data interface{}
}

// sseClient represents a connected SSE client.
type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues event for every client. Events are dropped when the
// hub is saturated.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves the /api/events SSE endpoint. The optional query
// parameters types and tags are comma-separated filters.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	typeFilter := csvSet(r.URL.Query().Get("types"))
	tagFilter := csvSet(r.URL.Query().Get("tags"))

	client := &sseClient{
		id:     uuid.NewString(),
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	// The current status first, so a client never waits for a transition.
	writeSSE(w, eventStatus, h.engine.Status())
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if tagFilter != nil && event.Tag != "" && !tagFilter[event.Tag] {
				continue
			}
			writeSSE(w, event.Type, event.Data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

func csvSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		set[strings.TrimSpace(v)] = true
	}
	return set
}

// setupSSE forwards engine status and tag events to the hub. Returns a
// cleanup function that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	id := h.engine.Events.SubscribeTypes(func(ev engine.Event) {
		switch p := ev.Payload.(type) {
		case engine.StatusEvent:
			h.hub.Broadcast(sseEvent{Type: eventStatus, Data: p})
		case engine.TagEvent:
			h.hub.Broadcast(sseEvent{Type: eventTag, Tag: p.Name, Data: p})
		}
	}, engine.EventStatusChanged, engine.EventTagUpdated)

	return func() {
		h.engine.Events.Unsubscribe(id)
		h.hub.Stop()
	}
}
