// Package transport implements a minimal newline-framed JSON-RPC 2.0
// request/response loop over stdin/stdout. It is deliberately the
// thinnest possible layer: wire framing and decoding only, no retries,
// no batching, no notifications. Session/process-management semantics
// live entirely in package procguard, which this package never
// interprets, only calls into.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Request is one line of JSON-RPC 2.0 input.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one line of JSON-RPC 2.0 output. Result carries the
// caller's ResponseEnvelope verbatim; procguard's own success/error
// shape is not translated into the JSON-RPC error object, since
// spec.md's envelope already distinguishes success from failure and
// transports are expected to pass it through unchanged.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is used only for requests this transport itself cannot parse
// or route (malformed JSON, unknown method); once a request reaches
// procguard.Server.Dispatch, failures always come back as a successful
// JSON-RPC Result carrying a ResponseEnvelope with Success=false.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler routes one decoded Request to its implementation and returns
// the payload to place in Response.Result.
type Handler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Serve reads newline-delimited JSON-RPC requests from r, dispatches
// each to handle, and writes newline-delimited JSON-RPC responses to w.
// It returns when r is exhausted or ctx is canceled.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handle Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: -32700, Message: fmt.Sprintf("parse error: %v", err)},
			}); encErr != nil {
				return encErr
			}
			continue
		}

		result, err := handle(ctx, req.Method, req.Params)
		resp := Response{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			resp.Error = &RPCError{Code: -32601, Message: err.Error()}
		} else {
			resp.Result = result
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
