package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/duplex"
	"github.com/KostasNoreika/claude-studio/internal/protocol"
)

// pushEnvelope is the one-way HTTP fallback payload.
type pushEnvelope struct {
	Type      string `json:"type"` // "console:<level>"
	Level     string `json:"level"`
	Args      []any  `json:"args"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
	Source    string `json:"source"`
}

// Dispatcher ships captured messages off the capture side. The duplex
// channel is the primary transport; when the engine is not connected the
// dispatcher automatically falls back to the one-way HTTP push.
type Dispatcher struct {
	sessionID string
	engine    *duplex.Engine
	pushURL   string // e.g. http://host/api/console
	client    *http.Client
}

func NewDispatcher(sessionID string, engine *duplex.Engine, pushURL string) *Dispatcher {
	return &Dispatcher{
		sessionID: sessionID,
		engine:    engine,
		pushURL:   pushURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch serializes the raw argument values and sends them over whichever
// transport is currently available.
func (d *Dispatcher) Dispatch(ctx context.Context, level, url, source string, rawArgs ...any) error {
	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = Serialize(a)
	}
	ts := time.Now().UnixMilli()

	if d.engine != nil && d.engine.CurrentState() == duplex.StateConnected {
		err := d.engine.Send(ctx, &protocol.Console{
			Type:      protocol.TypeConsole,
			SessionID: d.sessionID,
			Level:     level,
			Args:      args,
			Timestamp: ts,
			URL:       url,
			Source:    source,
		})
		if err == nil {
			return nil
		}
		log.Printf("[console] duplex send failed, falling back to push: %v", err)
	}
	return d.push(ctx, pushEnvelope{
		Type:      "console:" + level,
		Level:     level,
		Args:      args,
		Timestamp: ts,
		URL:       url,
		Source:    source,
	})
}

func (d *Dispatcher) push(ctx context.Context, env pushEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.pushURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", d.sessionID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("console push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("console push: status %d", resp.StatusCode)
	}
	return nil
}

// Capture wraps a log sink: the original sink still receives every entry,
// and a serialized copy is dispatched for transport. Dispatch failures are
// logged, never surfaced to the caller's logging path.
func (d *Dispatcher) Capture(sink func(level string, args ...any)) func(level string, args ...any) {
	return func(level string, args ...any) {
		if sink != nil {
			sink(level, args...)
		}
		if err := d.Dispatch(context.Background(), level, "", "capture", args...); err != nil {
			log.Printf("[console] dispatch: %v", err)
		}
	}
}
