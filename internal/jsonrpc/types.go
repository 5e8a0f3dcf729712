// Package jsonrpc defines the JSON-RPC 2.0 envelope spoken with the Pokémon
// server and the error taxonomy every layer above the wire reports in.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version we speak.
const Version = "2.0"

// Request is a JSON-RPC request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request envelope for the given id.
func NewRequest(id int64, method string, params any) Request {
	return Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC response envelope.
// Exactly one of Result or Error is set on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error object carried by a failed response.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Encode marshals a request as a single line terminated by '\n'.
func Encode(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// envelope is the superset used to sniff an incoming line before deciding
// whether it is a response or a server notification.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Message is a decoded incoming line.
type Message struct {
	// Response is set when the line is a response carrying an id.
	Response *Response
	// Notification is the method name when the line is a server-initiated
	// message without an id.
	Notification string
}

// Decode parses one wire line. Anything that is not valid JSON, or that is a
// response without an integer id or with both/neither of result and error,
// is reported as a *ProtocolError.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, &ProtocolError{Line: string(line), Err: err}
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))
	if !hasID {
		if env.Method != "" {
			return Message{Notification: env.Method}, nil
		}
		return Message{}, &ProtocolError{Line: string(line), Err: fmt.Errorf("message has neither id nor method")}
	}

	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return Message{}, &ProtocolError{Line: string(line), Err: fmt.Errorf("non-integer id %s", env.ID)}
	}

	hasResult := len(env.Result) > 0
	hasError := env.Error != nil
	if hasResult == hasError {
		return Message{}, &ProtocolError{Line: string(line), Err: fmt.Errorf("response %d must carry exactly one of result or error", id)}
	}

	return Message{Response: &Response{
		JSONRPC: env.JSONRPC,
		ID:      id,
		Result:  env.Result,
		Error:   env.Error,
	}}, nil
}
