package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/KostasNoreika/claude-studio/internal/console"
	"github.com/KostasNoreika/claude-studio/internal/duplex"
	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/protocol"
	"github.com/KostasNoreika/claude-studio/internal/ratelimit"
	"github.com/KostasNoreika/claude-studio/internal/session"
)

// Limiter is wired by main before the router starts serving.
var Limiter *ratelimit.Limiter

// engines tracks live WebSocket engines so a graceful shutdown can advise
// every client to reconnect.
var (
	enginesMu sync.Mutex
	engines   = make(map[*duplex.Engine]struct{})
)

// SessionChannel upgrades to the duplex channel and dispatches protocol
// frames for the lifetime of the socket. Frames for one connection are
// handled sequentially; the engine's read loop is single-threaded.
func SessionChannel(w http.ResponseWriter, r *http.Request) {
	if err := Limiter.Allow(ratelimit.ClassConnect, clientID(r)); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[ws] accept: %v", err)
		return
	}

	engine := duplex.NewServer(conn)
	enginesMu.Lock()
	engines[engine] = struct{}{}
	enginesMu.Unlock()

	c := &wsConn{engine: engine, client: clientID(r)}
	c.subscribe()

	engine.Subscribe(duplex.EventStateChange, func(event any) {
		if ch := event.(duplex.StateChange); ch.To == duplex.StateDisconnected || ch.To == duplex.StateError {
			c.cleanup()
			enginesMu.Lock()
			delete(engines, engine)
			enginesMu.Unlock()
		}
	})
}

// ShutdownChannels advises every connected client to come back after delay
// and closes the sockets. Called from main during graceful shutdown.
func ShutdownChannels(reason string, delay time.Duration) {
	enginesMu.Lock()
	all := make([]*duplex.Engine, 0, len(engines))
	for e := range engines {
		all = append(all, e)
	}
	engines = make(map[*duplex.Engine]struct{})
	enginesMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range all {
		e.Send(ctx, protocol.NewReconnect(reason, delay.Milliseconds()))
		e.Disconnect()
	}
}

// wsConn is the per-connection dispatch state.
type wsConn struct {
	engine *duplex.Engine
	client string

	mu        sync.Mutex
	sessionID string             // session created over this connection
	pumpStop  context.CancelFunc // stops the output pump
}

func (c *wsConn) subscribe() {
	c.engine.Subscribe(string(protocol.TypeCreate), c.onCreate)
	c.engine.Subscribe(string(protocol.TypeInput), c.onInput)
	c.engine.Subscribe(string(protocol.TypeResize), c.onResize)
	c.engine.Subscribe(string(protocol.TypeConfigurePreview), c.onConfigurePreview)
	c.engine.Subscribe(string(protocol.TypeConsole), c.onConsole)
	c.engine.Subscribe(string(protocol.TypePing), c.onPing)
}

// sendErr maps a classified error onto an error frame.
func (c *wsConn) sendErr(err error) {
	var ce errdefs.ContainerError
	if !errors.As(errdefs.Classify(err), &ce) {
		c.send(protocol.NewError(string(errdefs.CodeExecution), "An unexpected error occurred.", false))
		return
	}
	c.send(protocol.NewError(string(ce.Code()), ce.UserMessage(), ce.Retryable()))
}

func (c *wsConn) send(m protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.engine.Send(ctx, m); err != nil {
		log.Printf("[ws] send %s: %v", m.Kind(), err)
	}
}

func (c *wsConn) onCreate(event any) {
	frame := event.(*protocol.Create)
	if err := Limiter.Allow(ratelimit.ClassLifecycle, c.client); err != nil {
		c.sendErr(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	info, err := Sessions.Create(ctx, sessionCreateConfig(frame, c.client))
	if err != nil {
		c.sendErr(err)
		return
	}

	shell, err := Sessions.Attach(ctx, info.SessionID)
	if err != nil {
		c.sendErr(err)
		return
	}

	pumpCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sessionID = info.SessionID
	c.pumpStop = stop
	c.mu.Unlock()

	go c.pumpOutput(pumpCtx, shell.Stdout)
	c.send(protocol.NewConnected(info.SessionID))
}

// pumpOutput streams shell output frames until the stream or socket ends.
func (c *wsConn) pumpOutput(ctx context.Context, stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			c.send(protocol.NewOutput(string(buf[:n])))
		}
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				log.Printf("[ws] output pump: %v", err)
			}
			c.send(protocol.NewExit(0, ""))
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *wsConn) onInput(event any) {
	frame := event.(*protocol.Input)
	if err := Limiter.Allow(ratelimit.ClassGeneral, c.client); err != nil {
		c.sendErr(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shell, err := Sessions.Attach(ctx, frame.SessionID)
	if err != nil {
		c.sendErr(err)
		return
	}
	if _, err := shell.Stdin.Write([]byte(frame.Data)); err != nil {
		c.sendErr(&errdefs.ExecutionError{Err: fmt.Errorf("write stdin: %w", err)})
		return
	}
	Sessions.Touch(frame.SessionID)
}

func (c *wsConn) onResize(event any) {
	frame := event.(*protocol.Resize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shell, err := Sessions.Attach(ctx, frame.SessionID)
	if err != nil {
		c.sendErr(err)
		return
	}
	if err := shell.Resize(frame.Cols, frame.Rows); err != nil {
		c.sendErr(&errdefs.ExecutionError{Err: fmt.Errorf("resize: %w", err)})
		return
	}
	Sessions.Touch(frame.SessionID)
}

func (c *wsConn) onConfigurePreview(event any) {
	frame := event.(*protocol.ConfigurePreview)
	if err := Limiter.Allow(ratelimit.ClassPreviewConfigure, c.client); err != nil {
		c.sendErr(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := Preview.Configure(ctx, frame.SessionID, frame.Port)
	if err != nil {
		c.sendErr(err)
		return
	}
	c.send(protocol.NewPreviewReady(frame.SessionID, res.PreviewURL))
}

func (c *wsConn) onConsole(event any) {
	frame := event.(*protocol.Console)
	Console.Publish(consoleMessage(frame))
	Sessions.Touch(frame.SessionID)
}

func (c *wsConn) onPing(any) {
	c.send(protocol.NewPong())
}

func sessionCreateConfig(frame *protocol.Create, client string) session.CreateConfig {
	return session.CreateConfig{
		Image:        frame.Image,
		WorkspaceDir: frame.WorkspaceDir,
		ClientID:     client,
	}
}

func consoleMessage(frame *protocol.Console) console.Message {
	return console.Message{
		SessionID: frame.SessionID,
		Level:     frame.Level,
		Args:      frame.Args,
		Timestamp: frame.Timestamp,
		URL:       frame.URL,
		Source:    frame.Source,
	}
}

// cleanup stops the output pump when the socket goes away. The session
// itself stays alive for the idle sweeper or an explicit delete; a client
// may reconnect and reattach.
func (c *wsConn) cleanup() {
	c.mu.Lock()
	if c.pumpStop != nil {
		c.pumpStop()
		c.pumpStop = nil
	}
	c.mu.Unlock()
}
