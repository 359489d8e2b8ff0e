package console

import (
	"html"
	"log"
	"sync"
	"time"
)

// Message is a captured console entry in transit.
type Message struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
	Args      []any  `json:"args"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
	Source    string `json:"source"`

	received time.Time
}

// Viewer receives sanitized messages for one session.
type Viewer func(Message)

// Hub buffers console messages per session until a viewer is ready and fans
// them out. Every string field is HTML-escaped before it is stored or
// delivered; messages that wait longer than maxQueueAge are dropped.
type Hub struct {
	mu          sync.Mutex
	queues      map[string][]Message
	viewers     map[string]map[int]Viewer
	nextHandle  int
	maxQueueAge time.Duration
	nowFn       func() time.Time // injectable clock for testing
}

func NewHub(maxQueueAge time.Duration) *Hub {
	if maxQueueAge <= 0 {
		maxQueueAge = time.Minute
	}
	return &Hub{
		queues:      make(map[string][]Message),
		viewers:     make(map[string]map[int]Viewer),
		maxQueueAge: maxQueueAge,
		nowFn:       time.Now,
	}
}

// Publish sanitizes a message and delivers it to the session's viewers, or
// queues it when none are attached.
func (h *Hub) Publish(msg Message) {
	msg = sanitize(msg)
	msg.received = h.nowFn()

	h.mu.Lock()
	vs := h.viewers[msg.SessionID]
	if len(vs) == 0 {
		h.queues[msg.SessionID] = append(h.queues[msg.SessionID], msg)
		h.mu.Unlock()
		return
	}
	targets := make([]Viewer, 0, len(vs))
	for _, v := range vs {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		v(msg)
	}
}

// AttachViewer registers a viewer and replays the queued backlog, dropping
// anything that went stale while waiting. Returns a detach handle.
func (h *Hub) AttachViewer(sessionID string, v Viewer) int {
	now := h.nowFn()

	h.mu.Lock()
	h.nextHandle++
	handle := h.nextHandle
	if h.viewers[sessionID] == nil {
		h.viewers[sessionID] = make(map[int]Viewer)
	}
	h.viewers[sessionID][handle] = v

	backlog := h.queues[sessionID]
	delete(h.queues, sessionID)
	h.mu.Unlock()

	dropped := 0
	for _, msg := range backlog {
		if now.Sub(msg.received) > h.maxQueueAge {
			dropped++
			continue
		}
		v(msg)
	}
	if dropped > 0 {
		log.Printf("[console] dropped %d stale messages for session %s", dropped, sessionID)
	}
	return handle
}

// DetachViewer removes a viewer by handle.
func (h *Hub) DetachViewer(sessionID string, handle int) {
	h.mu.Lock()
	if vs := h.viewers[sessionID]; vs != nil {
		delete(vs, handle)
		if len(vs) == 0 {
			delete(h.viewers, sessionID)
		}
	}
	h.mu.Unlock()
}

// Drop discards all queued messages and viewers for a session.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	delete(h.queues, sessionID)
	delete(h.viewers, sessionID)
	h.mu.Unlock()
}

// Sweep drops queued messages older than maxQueueAge across all sessions.
// Runs on the shared cron schedule.
func (h *Hub) Sweep() int {
	now := h.nowFn()

	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for id, q := range h.queues {
		kept := q[:0]
		for _, msg := range q {
			if now.Sub(msg.received) > h.maxQueueAge {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(h.queues, id)
		} else {
			h.queues[id] = kept
		}
	}
	return dropped
}

// sanitize HTML-escapes every string field, including strings nested inside
// the serialized args, so no captured value can smuggle markup to a viewer.
func sanitize(msg Message) Message {
	msg.Level = html.EscapeString(msg.Level)
	msg.URL = html.EscapeString(msg.URL)
	msg.Source = html.EscapeString(msg.Source)
	args := make([]any, len(msg.Args))
	for i, a := range msg.Args {
		args[i] = escapeStrings(a)
	}
	msg.Args = args
	return msg
}

func escapeStrings(v any) any {
	switch x := v.(type) {
	case string:
		return html.EscapeString(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[html.EscapeString(k)] = escapeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = escapeStrings(val)
		}
		return out
	default:
		return v
	}
}
