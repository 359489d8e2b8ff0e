// Package protocol defines the duplex frame vocabulary shared by both ends
// of a session channel.
//
// Frames are a closed, JSON-encoded tagged union discriminated by "type".
// Decode validates every inbound frame against its schema before it can be
// dispatched; unknown or malformed frames are rejected outright, never
// partially processed.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the frame discriminant.
type Type string

// Client → server frames.
const (
	TypeCreate           Type = "create"
	TypeInput            Type = "input"
	TypeConfigurePreview Type = "configure_preview"
	TypePing             Type = "ping"
	TypeResize           Type = "resize"
	TypeConsole          Type = "console"
)

// Server → client frames.
const (
	TypeConnected    Type = "connected"
	TypeOutput       Type = "output"
	TypeError        Type = "error"
	TypeExit         Type = "exit"
	TypeReconnect    Type = "reconnect"
	TypePong         Type = "pong"
	TypePreviewReady Type = "preview_ready"
)

// Message is implemented by every frame in the vocabulary.
type Message interface {
	Kind() Type
	validate() error
}

// Create requests a new sandbox session.
type Create struct {
	Type         Type   `json:"type"`
	Image        string `json:"image"`
	WorkspaceDir string `json:"workspaceDir"`
}

func NewCreate(image, workspaceDir string) *Create {
	return &Create{Type: TypeCreate, Image: image, WorkspaceDir: workspaceDir}
}
func (m *Create) Kind() Type { return TypeCreate }
func (m *Create) validate() error {
	if m.Image == "" {
		return fmt.Errorf("create: image is required")
	}
	if m.WorkspaceDir == "" {
		return fmt.Errorf("create: workspaceDir is required")
	}
	return nil
}

// Input carries terminal input for a session's shell.
type Input struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func NewInput(sessionID, data string) *Input {
	return &Input{Type: TypeInput, SessionID: sessionID, Data: data}
}
func (m *Input) Kind() Type { return TypeInput }
func (m *Input) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("input: sessionId is required")
	}
	return nil
}

// ConfigurePreview requests preview forwarding for a sandbox port.
type ConfigurePreview struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
}

func NewConfigurePreview(sessionID string, port int) *ConfigurePreview {
	return &ConfigurePreview{Type: TypeConfigurePreview, SessionID: sessionID, Port: port}
}
func (m *ConfigurePreview) Kind() Type { return TypeConfigurePreview }
func (m *ConfigurePreview) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("configure_preview: sessionId is required")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("configure_preview: port %d out of range", m.Port)
	}
	return nil
}

// Ping is the heartbeat frame.
type Ping struct {
	Type Type `json:"type"`
}

func NewPing() *Ping            { return &Ping{Type: TypePing} }
func (m *Ping) Kind() Type      { return TypePing }
func (m *Ping) validate() error { return nil }

// Resize updates the pseudo-terminal dimensions for a session.
type Resize struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

func NewResize(sessionID string, cols, rows uint16) *Resize {
	return &Resize{Type: TypeResize, SessionID: sessionID, Cols: cols, Rows: rows}
}
func (m *Resize) Kind() Type { return TypeResize }
func (m *Resize) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("resize: sessionId is required")
	}
	if m.Cols == 0 || m.Rows == 0 {
		return fmt.Errorf("resize: cols and rows must be positive")
	}
	return nil
}

// Console carries a captured console message over the primary transport.
type Console struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
	Args      []any  `json:"args"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
	Source    string `json:"source"`
}

func (m *Console) Kind() Type { return TypeConsole }
func (m *Console) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("console: sessionId is required")
	}
	if m.Level == "" {
		return fmt.Errorf("console: level is required")
	}
	return nil
}

// Connected acknowledges a successful session creation.
type Connected struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewConnected(sessionID string) *Connected {
	return &Connected{Type: TypeConnected, SessionID: sessionID}
}
func (m *Connected) Kind() Type { return TypeConnected }
func (m *Connected) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("connected: sessionId is required")
	}
	return nil
}

// Output streams shell output back to the client.
type Output struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

func NewOutput(data string) *Output { return &Output{Type: TypeOutput, Data: data} }
func (m *Output) Kind() Type        { return TypeOutput }
func (m *Output) validate() error   { return nil }

// Error reports a classified failure with a sanitized message.
type Error struct {
	Type      Type   `json:"type"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func NewError(code, message string, retryable bool) *Error {
	return &Error{Type: TypeError, Error: code, Message: message, Retryable: retryable}
}
func (m *Error) Kind() Type { return TypeError }
func (m *Error) validate() error {
	if m.Error == "" {
		return fmt.Errorf("error: error code is required")
	}
	return nil
}

// Exit reports shell termination.
type Exit struct {
	Type   Type   `json:"type"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func NewExit(code int, signal string) *Exit {
	return &Exit{Type: TypeExit, Code: code, Signal: signal}
}
func (m *Exit) Kind() Type      { return TypeExit }
func (m *Exit) validate() error { return nil }

// Reconnect advises the peer to reconnect after a delay (milliseconds).
type Reconnect struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
	Delay  int64  `json:"delay"`
}

func NewReconnect(reason string, delayMillis int64) *Reconnect {
	return &Reconnect{Type: TypeReconnect, Reason: reason, Delay: delayMillis}
}
func (m *Reconnect) Kind() Type      { return TypeReconnect }
func (m *Reconnect) validate() error { return nil }

// PreviewReady acknowledges a successful configure_preview.
type PreviewReady struct {
	Type       Type   `json:"type"`
	SessionID  string `json:"sessionId"`
	PreviewURL string `json:"previewUrl"`
}

func NewPreviewReady(sessionID, previewURL string) *PreviewReady {
	return &PreviewReady{Type: TypePreviewReady, SessionID: sessionID, PreviewURL: previewURL}
}
func (m *PreviewReady) Kind() Type { return TypePreviewReady }
func (m *PreviewReady) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("preview_ready: sessionId is required")
	}
	return nil
}

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

func NewPong() *Pong            { return &Pong{Type: TypePong} }
func (m *Pong) Kind() Type      { return TypePong }
func (m *Pong) validate() error { return nil }

// Decode parses and validates a raw frame. The discriminant must name a
// known frame type and all required fields must be present.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var m Message
	switch head.Type {
	case TypeCreate:
		m = &Create{}
	case TypeInput:
		m = &Input{}
	case TypeConfigurePreview:
		m = &ConfigurePreview{}
	case TypePing:
		m = &Ping{}
	case TypeResize:
		m = &Resize{}
	case TypeConsole:
		m = &Console{}
	case TypeConnected:
		m = &Connected{}
	case TypeOutput:
		m = &Output{}
	case TypeError:
		m = &Error{}
	case TypeExit:
		m = &Exit{}
	case TypeReconnect:
		m = &Reconnect{}
	case TypePong:
		m = &Pong{}
	case TypePreviewReady:
		m = &PreviewReady{}
	case "":
		return nil, fmt.Errorf("frame missing type discriminant")
	default:
		return nil, fmt.Errorf("unknown frame type %q", head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode validates and serializes a frame for the wire.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
