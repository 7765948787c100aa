package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestServeRoutesRequestToHandler(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ps","params":{"name":"node"}}` + "\n")
	var out strings.Builder

	var gotMethod string
	var gotParams json.RawMessage
	handle := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		gotMethod = method
		gotParams = params
		return map[string]string{"ok": "yes"}, nil
	}

	if err := Serve(context.Background(), in, &out, handle); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	if gotMethod != "ps" {
		t.Errorf("handler saw method %q, want ps", gotMethod)
	}
	if !strings.Contains(string(gotParams), "node") {
		t.Errorf("handler saw params %s, expected to contain name filter", gotParams)
	}

	var resp Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &resp); err != nil {
		t.Fatalf("failed to decode response line: %v", err)
	}
	if resp.Error != nil {
		t.Errorf("expected no transport-level error, got %+v", resp.Error)
	}
}

func TestServeHandlerErrorProducesRPCError(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"does_not_exist"}` + "\n")
	var out strings.Builder

	handle := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("unknown method")
	}

	if err := Serve(context.Background(), in, &out, handle); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &resp); err != nil {
		t.Fatalf("failed to decode response line: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected a -32601 error response, got %+v", resp.Error)
	}
}

func TestServeMalformedJSONProducesParseError(t *testing.T) {
	in := strings.NewReader("{not valid json\n")
	var out strings.Builder

	handle := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		t.Fatal("handler should not be invoked for unparseable input")
		return nil, nil
	}

	if err := Serve(context.Background(), in, &out, handle); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &resp); err != nil {
		t.Fatalf("failed to decode response line: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("expected a -32700 parse error response, got %+v", resp.Error)
	}
}

func TestServeSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"status"}` + "\n")
	var out strings.Builder

	calls := 0
	handle := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		calls++
		return nil, nil
	}

	if err := Serve(context.Background(), in, &out, handle); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one handler invocation, got %d", calls)
	}
}

func TestServeMultipleRequestsProduceMultipleResponseLines(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"status"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"status"}` + "\n",
	)
	var out strings.Builder

	handle := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return "ok", nil
	}

	if err := Serve(context.Background(), in, &out, handle); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), out.String())
	}
}
