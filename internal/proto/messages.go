package proto

import (
	"fmt"
	"strings"
)

// Kind is the wire discriminator carried in the "kind" field.
type Kind string

const (
	KindHTTP    Kind = ""     // absent on the wire
	KindWS      Kind = "WS"   // WebSocket relay
	KindControl Kind = "CTRL" // liveness ping/pong
	KindFrame   Kind = "BIN"  // binary multiplexed frame, never sent as JSON
)

// Envelope is one decoded unit of the tunnel protocol. It is implemented by
// *HTTPMessage, *WSMessage, *ControlMessage and *BinaryFrame only.
type Envelope interface {
	Kind() Kind
	isEnvelope()
}

// HTTPType distinguishes a tunneled request from its response.
type HTTPType string

const (
	HTTPRequest  HTTPType = "REQUEST"
	HTTPResponse HTTPType = "RESPONSE"
)

// HTTPMessage carries one whole HTTP request or response.
// Request-only fields are empty on responses and vice versa.
type HTTPMessage struct {
	ID   string   `json:"id,omitempty"`
	Type HTTPType `json:"type,omitempty"`

	Method          string              `json:"method,omitempty"`
	Path            string              `json:"path,omitempty"`
	Query           string              `json:"query,omitempty"`
	Headers         map[string][]string `json:"headers,omitempty"`
	Body            []byte              `json:"bodyB64,omitempty"`
	BodyContentType string              `json:"bodyContentType,omitempty"`

	Status      int                 `json:"status,omitempty"`
	RespHeaders map[string][]string `json:"respHeaders,omitempty"`
	RespBody    []byte              `json:"respBodyB64,omitempty"`
}

func (*HTTPMessage) Kind() Kind  { return KindHTTP }
func (*HTTPMessage) isEnvelope() {}

// WSType is the sub-type of a WebSocket relay message.
type WSType string

const (
	WSOpen   WSType = "OPEN"
	WSOpenOK WSType = "OPEN_OK"
	WSText   WSType = "TEXT"
	WSBinary WSType = "BINARY"
	WSClose  WSType = "CLOSE"
	WSError  WSType = "ERROR"
)

func (t WSType) valid() bool {
	switch t {
	case WSOpen, WSOpenOK, WSText, WSBinary, WSClose, WSError:
		return true
	}
	return false
}

// WSMessage relays one event of a logical connection (a tunneled WebSocket
// or a raw TCP stream) identified by ConnectionID.
type WSMessage struct {
	ConnectionID string            `json:"connectionId,omitempty"`
	ID           string            `json:"id,omitempty"`
	Type         WSType            `json:"wsType"`
	Path         string            `json:"path,omitempty"`
	Query        string            `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Text         string            `json:"text,omitempty"`
	Data         []byte            `json:"dataB64,omitempty"`
	CloseCode    int               `json:"closeCode,omitempty"`
	CloseReason  string            `json:"closeReason,omitempty"`
}

func (*WSMessage) Kind() Kind  { return KindWS }
func (*WSMessage) isEnvelope() {}

// ControlType is PING or PONG.
type ControlType string

const (
	ControlPing ControlType = "PING"
	ControlPong ControlType = "PONG"
)

// ControlMessage is used for liveness diagnostics only.
type ControlMessage struct {
	Type ControlType `json:"type"`
	TS   int64       `json:"ts,omitempty"` // unix millis
}

func (*ControlMessage) Kind() Kind  { return KindControl }
func (*ControlMessage) isEnvelope() {}

// BinaryFrame is a chunk of raw bytes for one logical connection. It travels
// as a binary wire frame (see EncodeFrame), never as JSON.
type BinaryFrame struct {
	ConnectionID string
	Payload      []byte
}

func (*BinaryFrame) Kind() Kind  { return KindFrame }
func (*BinaryFrame) isEnvelope() {}

// TunnelKind is the kind of local target a tunnel exposes.
type TunnelKind string

const (
	TunnelHTTP TunnelKind = "HTTP"
	TunnelTCP  TunnelKind = "TCP"
	TunnelUDP  TunnelKind = "UDP"
)

// ParseTunnelKind maps "http", "tcp" or "udp" (any case) to a TunnelKind.
// The empty string means HTTP.
func ParseTunnelKind(s string) (TunnelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return TunnelHTTP, nil
	case "tcp":
		return TunnelTCP, nil
	case "udp":
		return TunnelUDP, nil
	}
	return "", fmt.Errorf("unknown tunnel kind: %q", s)
}
