// Package mcp is a client for tool servers that speak JSON-RPC 2.0 over
// a subprocess's stdin/stdout or a WebSocket.
//
// The layers, bottom up:
//
//   - Framing: a byte stream is split into messages either by newline
//     (FramingLine, the default) or by a Content-Length header block
//     (FramingHeader). Frames are capped at DefaultMaxFrameSize unless
//     configured otherwise.
//   - Conn: a message channel. StdioConn owns a process.Process;
//     WebSocketConn uses one WebSocket message per frame.
//   - Session: correlates requests and responses by id. A single reader
//     goroutine resolves pending requests; callers may send concurrently
//     and responses may arrive in any order. Every request ends in
//     exactly one result or one error.
//   - Client: the handshake, the cached tool catalog, and validated
//     tool invocation.
//
// Every frame carries "jsonrpc":"2.0" and a "kind" field ("request" or
// "response"). Inbound frames without kind are classified by the
// presence of a method, so plain JSON-RPC servers interoperate.
package mcp
