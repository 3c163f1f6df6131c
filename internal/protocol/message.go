// Package protocol implements the gateway wire protocol: length-prefixed
// frames carrying JSON-RPC 2.0 style messages, plus envelope validation.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version tag carried by every message.
const Version = "2.0"

// MethodAuthenticate is the reserved method served by the gateway itself.
const MethodAuthenticate = "authenticate"

// DefaultAllowedMethods lists the application methods forwarded to the
// dispatcher once a connection is authenticated.
var DefaultAllowedMethods = []string{
	"initialize",
	"initialized",
	"tools/list",
	"tools/call",
	"resources/list",
	"resources/read",
	"prompts/list",
	"prompts/get",
}

// Message is a decoded protocol envelope. Exactly one of Method (requests
// and notifications) or Result/Error (responses) is set. The envelope is
// transient; it exists for one request/response cycle only.
type Message struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IsRequest reports whether the message is a request expecting a reply.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsNotification reports whether the message is a fire-and-forget request.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message carries a result or error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// HasID reports whether an id field is present and non-null.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Decode parses a frame body into a Message.
func Decode(body []byte) (*Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return &msg, nil
}

// Encode serializes a Message for framing.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{Version: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Message {
	return &Message{
		Version: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}
