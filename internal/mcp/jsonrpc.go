package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version carried on every frame.
const jsonrpcVersion = "2.0"

// Message kinds. Inbound frames may omit kind; see [Message.IsResponse].
const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol methods.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

// Message is a single framed protocol record. Requests carry Method and
// Params (and an ID unless they are notifications); responses carry ID
// and exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest creates a request message with the given id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Kind:    KindRequest,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a request message without an id. No response
// is expected.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		Kind:    KindRequest,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResult creates a success response for id.
func NewResult(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Kind:    KindResponse,
		Result:  raw,
	}, nil
}

// NewErrorResponse creates a failure response for id.
func NewErrorResponse(id int64, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Kind:    KindResponse,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// IsResponse reports whether m answers a request. An explicit kind wins;
// otherwise a message without a method is a response.
func (m *Message) IsResponse() bool {
	if m.Kind != "" {
		return m.Kind == KindResponse
	}
	return m.Method == ""
}

// IsNotification reports whether m is a request that expects no reply.
func (m *Message) IsNotification() bool {
	return !m.IsResponse() && m.ID == nil
}

// RPCError is the error object of a failure response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// marshalParams encodes params, leaving nil as an absent field.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
