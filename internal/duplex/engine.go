// Package duplex runs the symmetric frame engine over a WebSocket.
//
// Both ends of a session channel use the same engine: the client side owns a
// dialer and reconnects with exponential backoff when the socket drops; the
// server side wraps an already-accepted connection and never reconnects.
// Inbound frames are decoded, validated, and fanned out to subscribers keyed
// by frame type. A heartbeat ticker keeps intermediaries from idling the
// connection out; a missed pong is not a failure signal — socket closure is
// the only reconnect trigger.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/KostasNoreika/claude-studio/internal/protocol"
)

// Reconnection and heartbeat tuning. Package-level vars so tests can override.
var (
	heartbeatInterval    = 30 * time.Second
	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxAttempts = 10
	writeTimeout         = 10 * time.Second
)

// Tune overrides the package tunables from configuration. Call before any
// engine is created; zero values keep the defaults.
func Tune(heartbeat, baseDelay time.Duration, maxAttempts int) {
	if heartbeat > 0 {
		heartbeatInterval = heartbeat
	}
	if baseDelay > 0 {
		reconnectBaseDelay = baseDelay
	}
	if maxAttempts > 0 {
		reconnectMaxAttempts = maxAttempts
	}
}

// State of the engine's connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// EventStateChange is the synthetic subscription key for state transitions.
// Frame subscriptions use the protocol type string directly.
const EventStateChange = "stateChange"

// StateChange is delivered to EventStateChange subscribers.
type StateChange struct {
	From   State
	To     State
	Reason string
}

// Handler receives either a protocol.Message (frame subscriptions) or a
// StateChange (EventStateChange subscriptions).
type Handler func(event any)

// Dialer opens a new WebSocket connection. Client engines set one; server
// engines leave it nil and adopt an accepted connection instead.
type Dialer func(ctx context.Context) (*websocket.Conn, error)

type subscription struct {
	key string
	fn  Handler
}

// Engine is the symmetric duplex protocol engine.
type Engine struct {
	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	dial  Dialer

	attempts    int // consecutive failed reconnect attempts
	reconnTimer *time.Timer
	heartbeatCh chan struct{} // closed to stop the heartbeat loop
	readCancel  context.CancelFunc

	nextHandle int
	subs       map[int]subscription

	closed bool
}

// NewClient builds an engine that owns its connection via the dialer.
func NewClient(dial Dialer) *Engine {
	return &Engine{
		state: StateDisconnected,
		dial:  dial,
		subs:  make(map[int]subscription),
	}
}

// NewServer builds an engine around an already-accepted connection. The
// engine starts connected and runs until the socket closes; there is no
// dialer, so it never schedules a reconnect.
func NewServer(conn *websocket.Conn) *Engine {
	e := &Engine{
		state: StateDisconnected,
		subs:  make(map[int]subscription),
	}
	e.adopt(context.Background(), conn)
	return e
}

// Subscribe registers a handler for a frame type (e.g. string of
// protocol.TypeOutput) or EventStateChange. The returned handle unsubscribes.
func (e *Engine) Subscribe(key string, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextHandle++
	e.subs[e.nextHandle] = subscription{key: key, fn: fn}
	return e.nextHandle
}

// Unsubscribe removes a handler by its handle. Unknown handles are ignored.
func (e *Engine) Unsubscribe(handle int) {
	e.mu.Lock()
	delete(e.subs, handle)
	e.mu.Unlock()
}

// emit fans an event out to subscribers for key. Handlers run synchronously
// on the caller's goroutine; a panicking handler is recovered and logged so
// one bad subscriber cannot take down the read loop.
func (e *Engine) emit(key string, event any) {
	e.mu.Lock()
	handlers := make([]Handler, 0, len(e.subs))
	for _, s := range e.subs {
		if s.key == key {
			handlers = append(handlers, s.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[duplex] handler panic on %q: %v\n%s", key, r, debug.Stack())
				}
			}()
			fn(event)
		}()
	}
}

// setState transitions under the lock and returns the change record; the
// caller emits it after unlocking.
func (e *Engine) setState(to State, reason string) StateChange {
	change := StateChange{From: e.state, To: to, Reason: reason}
	e.state = to
	return change
}

// CurrentState reports the connection state.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connect dials and starts the read and heartbeat loops. Calling Connect on
// an already-connected engine is a no-op; on a connecting engine it returns
// an error rather than stacking dials.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.closed = false // an explicit Connect revives a disconnected engine
	switch e.state {
	case StateConnected:
		e.mu.Unlock()
		return nil
	case StateConnecting:
		e.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	if e.dial == nil {
		e.mu.Unlock()
		return fmt.Errorf("engine has no dialer")
	}
	change := e.setState(StateConnecting, "dialing")
	e.mu.Unlock()
	e.emit(EventStateChange, change)

	conn, err := e.dial(ctx)
	if err != nil {
		e.mu.Lock()
		change = e.setState(StateError, err.Error())
		e.mu.Unlock()
		e.emit(EventStateChange, change)
		return fmt.Errorf("duplex dial: %w", err)
	}

	if !e.adopt(ctx, conn) {
		return fmt.Errorf("engine disconnected during dial")
	}
	return nil
}

// adopt installs a live connection and starts its loops. It refuses a
// connection that arrives after an explicit Disconnect: a dial that was
// already in flight when Disconnect ran must not resurrect the engine.
func (e *Engine) adopt(ctx context.Context, conn *websocket.Conn) bool {
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopHeartbeat := make(chan struct{})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false
	}
	e.conn = conn
	e.readCancel = cancel
	e.heartbeatCh = stopHeartbeat
	e.attempts = 0
	change := e.setState(StateConnected, "")
	e.mu.Unlock()
	e.emit(EventStateChange, change)

	go e.readLoop(readCtx, conn)
	go e.heartbeatLoop(readCtx, conn, stopHeartbeat)
	return true
}

// Send encodes and writes a frame. Fails when not connected.
func (e *Engine) Send(ctx context.Context, m protocol.Message) error {
	e.mu.Lock()
	conn := e.conn
	state := e.state
	e.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("cannot send %s frame: engine is %s", m.Kind(), state)
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// readLoop pumps inbound frames until the socket closes, then hands off to
// the disconnect path.
func (e *Engine) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			e.onSocketClosed(conn, err)
			return
		}

		m, derr := protocol.Decode(data)
		if derr != nil {
			// Reject, never partially process. The connection stays up.
			log.Printf("[duplex] dropping bad frame: %v", derr)
			continue
		}
		e.emit(string(m.Kind()), m)
	}
}

// heartbeatLoop sends a ping frame every interval while connected. The
// heartbeat only keeps the connection warm; it never judges liveness.
func (e *Engine) heartbeatLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := protocol.Encode(protocol.NewPing())
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				// The read loop will observe the dead socket and handle it.
				log.Printf("[duplex] heartbeat write failed: %v", err)
				return
			}
		}
	}
}

// onSocketClosed runs when the read loop exits. Normal closure and explicit
// disconnects land in disconnected; abnormal closure on a client engine
// schedules a reconnect.
func (e *Engine) onSocketClosed(conn *websocket.Conn, err error) {
	e.mu.Lock()
	if e.conn != conn {
		// A newer connection has been adopted; this loop is stale.
		e.mu.Unlock()
		return
	}
	e.stopLoopsLocked()
	e.conn = nil

	abnormal := !e.closed && isAbnormalClosure(err)
	if abnormal && e.dial != nil {
		change := e.setState(StateDisconnected, err.Error())
		e.mu.Unlock()
		e.emit(EventStateChange, change)
		e.scheduleReconnect()
		return
	}

	reason := ""
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	change := e.setState(StateDisconnected, reason)
	e.mu.Unlock()
	e.emit(EventStateChange, change)
}

// isAbnormalClosure reports whether the read error represents an unexpected
// socket drop rather than an orderly shutdown.
func isAbnormalClosure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	status := websocket.CloseStatus(err)
	return status == -1 || status == websocket.StatusAbnormalClosure ||
		status == websocket.StatusInternalError || status == websocket.StatusGoingAway
}

// scheduleReconnect arms the backoff timer for the next attempt. The k-th
// attempt waits base × 2^(k-1); after max attempts the engine goes terminal.
func (e *Engine) scheduleReconnect() {
	e.mu.Lock()
	if e.closed || e.reconnTimer != nil {
		e.mu.Unlock()
		return
	}
	e.attempts++
	attempt := e.attempts
	if attempt > reconnectMaxAttempts {
		change := e.setState(StateError, fmt.Sprintf("gave up after %d reconnect attempts", reconnectMaxAttempts))
		e.mu.Unlock()
		e.emit(EventStateChange, change)
		return
	}
	delay := backoffDelay(attempt)
	e.reconnTimer = time.AfterFunc(delay, func() { e.reconnect(attempt) })
	e.mu.Unlock()

	log.Printf("[duplex] reconnect attempt %d/%d in %s", attempt, reconnectMaxAttempts, delay)
}

// backoffDelay returns the wait before the k-th reconnect attempt:
// base × 2^(k−1).
func backoffDelay(attempt int) time.Duration {
	return reconnectBaseDelay * time.Duration(1<<(attempt-1))
}

// reconnect runs when the backoff timer fires.
func (e *Engine) reconnect(attempt int) {
	e.mu.Lock()
	e.reconnTimer = nil
	if e.closed || e.state == StateConnected {
		e.mu.Unlock()
		return
	}
	dial := e.dial
	change := e.setState(StateConnecting, fmt.Sprintf("reconnect attempt %d", attempt))
	e.mu.Unlock()
	e.emit(EventStateChange, change)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	conn, err := dial(ctx)
	cancel()
	if err != nil {
		log.Printf("[duplex] reconnect attempt %d failed: %v", attempt, err)
		e.mu.Lock()
		if e.closed {
			// Disconnect raced the dial; stay down quietly.
			e.mu.Unlock()
			return
		}
		change = e.setState(StateDisconnected, err.Error())
		e.mu.Unlock()
		e.emit(EventStateChange, change)
		e.scheduleReconnect()
		return
	}

	if e.adopt(context.Background(), conn) {
		log.Printf("[duplex] reconnected after %d attempt(s)", attempt)
	}
}

// stopLoopsLocked cancels the read context and stops the heartbeat. Caller
// holds e.mu.
func (e *Engine) stopLoopsLocked() {
	if e.readCancel != nil {
		e.readCancel()
		e.readCancel = nil
	}
	if e.heartbeatCh != nil {
		close(e.heartbeatCh)
		e.heartbeatCh = nil
	}
}

// Disconnect tears the connection down deliberately: the heartbeat stops,
// any pending reconnect timer is cancelled, and the attempt counter resets.
// No reconnect is ever scheduled for an explicit disconnect.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.closed = true
	if e.reconnTimer != nil {
		e.reconnTimer.Stop()
		e.reconnTimer = nil
	}
	e.attempts = 0
	e.stopLoopsLocked()
	conn := e.conn
	e.conn = nil
	var change StateChange
	emit := e.state != StateDisconnected
	if emit {
		change = e.setState(StateDisconnected, "explicit disconnect")
	}
	e.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if emit {
		e.emit(EventStateChange, change)
	}
}
