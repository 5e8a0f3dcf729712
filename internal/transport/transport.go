// Package transport owns the raw channels to a JSON-RPC peer: a long-lived
// child process speaking line-delimited JSON over stdin/stdout, and a
// stateless HTTP request/response pair. It knows nothing about ids.
package transport

import (
	"context"
	"strings"
)

// Sender writes one encoded message to the peer.
type Sender interface {
	Send(ctx context.Context, line []byte) error
}

// LineSource is a single-consumer stream of raw incoming lines.
// Lines is closed when the peer's output ends; Err then reports why
// (nil on clean EOF).
type LineSource interface {
	Lines() <-chan []byte
	Err() error
}

// Protocol names a transport variant.
type Protocol string

const (
	ProtocolStdio Protocol = "stdio"
	ProtocolHTTP  Protocol = "http"
)

// MethodPath maps a dotted JSON-RPC method to its HTTP route,
// e.g. "resources.read" -> "/mcp/resources/read".
func MethodPath(method string) string {
	return "/mcp/" + strings.ReplaceAll(method, ".", "/")
}
