package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEnvelope is returned for frames that are not a parseable envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownVariant is returned for a kind or sub-type this side does not understand.
	ErrUnknownVariant = errors.New("unknown envelope variant")
)

type wsAlias WSMessage

// MarshalJSON adds the constant kind marker in front of the message fields.
func (m WSMessage) MarshalJSON() ([]byte, error) {
	a := wsAlias(m)
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*wsAlias
	}{KindWS, &a})
}

type controlAlias ControlMessage

// MarshalJSON adds the constant kind marker in front of the message fields.
func (m ControlMessage) MarshalJSON() ([]byte, error) {
	a := controlAlias(m)
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*controlAlias
	}{KindControl, &a})
}

// Encode serialises env for the wire. JSON variants produce a text frame
// payload; *BinaryFrame produces a binary frame payload.
func Encode(env Envelope) ([]byte, error) {
	switch m := env.(type) {
	case *HTTPMessage:
		return json.Marshal(m)
	case *WSMessage:
		return json.Marshal(m)
	case *ControlMessage:
		return json.Marshal(m)
	case *BinaryFrame:
		return EncodeFrame(m.ConnectionID, m.Payload)
	case nil:
		return nil, fmt.Errorf("%w: nil envelope", ErrUnknownVariant)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, env)
	}
}

// Decode parses one JSON text frame. A non-null "kind" selects the WS relay or
// control variant; without it the frame is a Request/Response message.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}
	var probe struct {
		Kind *string `json:"kind"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	kind := KindHTTP
	if probe.Kind != nil {
		kind = Kind(*probe.Kind)
	}
	switch kind {
	case KindHTTP:
		var m HTTPMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		switch m.Type {
		case HTTPRequest, HTTPResponse:
		default:
			return nil, fmt.Errorf("%w: http type %q", ErrUnknownVariant, m.Type)
		}
		return &m, nil
	case KindWS:
		var m WSMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if m.Type == "" {
			return nil, fmt.Errorf("%w: missing wsType", ErrMalformedEnvelope)
		}
		if !m.Type.valid() {
			return nil, fmt.Errorf("%w: wsType %q", ErrUnknownVariant, m.Type)
		}
		return &m, nil
	case KindControl:
		var m ControlMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if m.Type != ControlPing && m.Type != ControlPong {
			return nil, fmt.Errorf("%w: control type %q", ErrUnknownVariant, m.Type)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownVariant, kind)
	}
}

// NewRequest builds a REQUEST envelope. A zero-length body is dropped so it is
// omitted on the wire.
func NewRequest(id, method, path, query string, headers map[string][]string, body []byte) *HTTPMessage {
	if len(body) == 0 {
		body = nil
	}
	return &HTTPMessage{ID: id, Type: HTTPRequest, Method: method, Path: path, Query: query, Headers: headers, Body: body}
}

// NewResponse builds a RESPONSE envelope correlated to id.
func NewResponse(id string, status int, headers map[string][]string, body []byte) *HTTPMessage {
	if len(body) == 0 {
		body = nil
	}
	return &HTTPMessage{ID: id, Type: HTTPResponse, Status: status, RespHeaders: headers, RespBody: body}
}

// NewErrorResponse builds the synthetic 502 returned when the local target fails.
func NewErrorResponse(id string, cause error) *HTTPMessage {
	msg := "Bad Gateway"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return NewResponse(id, 502, map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}}, []byte(msg))
}

func NewOpen(connID, path, query string, headers map[string]string) *WSMessage {
	return &WSMessage{ConnectionID: connID, Type: WSOpen, Path: path, Query: query, Headers: headers}
}

func NewOpenOK(connID string) *WSMessage {
	return &WSMessage{ConnectionID: connID, Type: WSOpenOK}
}

func NewText(connID, text string) *WSMessage {
	return &WSMessage{ConnectionID: connID, Type: WSText, Text: text}
}

// NewBinary builds the base64 carrying BINARY message. TCP bytes should use
// BinaryFrame instead.
func NewBinary(connID string, data []byte) *WSMessage {
	return &WSMessage{ConnectionID: connID, Type: WSBinary, Data: data}
}

func NewClose(connID string, code int, reason string) *WSMessage {
	return &WSMessage{ConnectionID: connID, Type: WSClose, CloseCode: code, CloseReason: reason}
}

func NewPing() *ControlMessage {
	return &ControlMessage{Type: ControlPing, TS: time.Now().UnixMilli()}
}

func NewPong() *ControlMessage {
	return &ControlMessage{Type: ControlPong, TS: time.Now().UnixMilli()}
}
