package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/internal/bridge"
	"github.com/MrWong99/duplexvoice/internal/command"
	"github.com/MrWong99/duplexvoice/internal/engine"
)

// dispatchFunc adapts a function to bridge.Dispatcher.
type dispatchFunc func(ctx context.Context, method string, args map[string]any) (engine.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, method string, args map[string]any) (engine.Result, error) {
	return f(ctx, method, args)
}

// echo answers "echo" with its args and rejects everything else as unknown.
func echo() dispatchFunc {
	return func(_ context.Context, method string, args map[string]any) (engine.Result, error) {
		if method != "echo" {
			return nil, fmt.Errorf("%w: %q", command.ErrNotImplemented, method)
		}
		r := engine.Result{"ok": true}
		for k, v := range args {
			r[k] = v
		}
		return r, nil
	}
}

func startServer(t *testing.T, d bridge.Dispatcher, opts ...bridge.Option) (*bridge.Server, string) {
	t.Helper()
	srv := bridge.New(d, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func result(t *testing.T, msg map[string]any) map[string]any {
	t.Helper()
	r, ok := msg["result"].(map[string]any)
	if !ok {
		t.Fatalf("message has no result: %v", msg)
	}
	return r
}

func waitClients(t *testing.T, srv *bridge.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", srv.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_CommandRoundTrip(t *testing.T) {
	t.Parallel()
	_, url := startServer(t, echo())
	conn := dial(t, url)

	sendJSON(t, conn, map[string]any{"id": "1", "method": "echo", "args": map[string]any{"n": 3}})
	msg := readJSON(t, conn)
	if msg["id"] != "1" {
		t.Errorf("id = %v", msg["id"])
	}
	r := result(t, msg)
	if r["ok"] != true || r["n"] != float64(3) {
		t.Errorf("result = %v", r)
	}
}

func TestBridge_UnknownMethod(t *testing.T) {
	t.Parallel()
	_, url := startServer(t, echo())
	conn := dial(t, url)

	sendJSON(t, conn, map[string]any{"id": "7", "method": "pushStart"})
	r := result(t, readJSON(t, conn))
	if r["ok"] != false || r["error"] != bridge.CodeNotImplemented {
		t.Errorf("result = %v", r)
	}
}

func TestBridge_MalformedRequests(t *testing.T) {
	t.Parallel()
	_, url := startServer(t, echo())
	conn := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if r := result(t, readJSON(t, conn)); r["error"] != bridge.CodeBadRequest {
		t.Errorf("malformed = %v", r)
	}

	sendJSON(t, conn, map[string]any{"id": "2"})
	msg := readJSON(t, conn)
	if msg["id"] != "2" || result(t, msg)["error"] != bridge.CodeBadRequest {
		t.Errorf("missing method = %v", msg)
	}

	// The connection survives bad input.
	sendJSON(t, conn, map[string]any{"id": "3", "method": "echo"})
	if r := result(t, readJSON(t, conn)); r["ok"] != true {
		t.Errorf("echo after errors = %v", r)
	}
}

func TestBridge_RateLimit(t *testing.T) {
	t.Parallel()
	_, url := startServer(t, echo(), bridge.WithRateLimit(0.001, 2))
	conn := dial(t, url)

	var got []any
	for i := range 3 {
		sendJSON(t, conn, map[string]any{"id": fmt.Sprint(i), "method": "echo"})
		got = append(got, result(t, readJSON(t, conn))["error"])
	}
	if got[0] != nil || got[1] != nil || got[2] != bridge.CodeRateLimited {
		t.Errorf("errors = %v", got)
	}
}

func TestBridge_RateLimitIsPerClient(t *testing.T) {
	t.Parallel()
	_, url := startServer(t, echo(), bridge.WithRateLimit(0.001, 1))
	a := dial(t, url)
	b := dial(t, url)

	sendJSON(t, a, map[string]any{"id": "a", "method": "echo"})
	sendJSON(t, b, map[string]any{"id": "b", "method": "echo"})
	if r := result(t, readJSON(t, a)); r["ok"] != true {
		t.Errorf("client a = %v", r)
	}
	if r := result(t, readJSON(t, b)); r["ok"] != true {
		t.Errorf("client b = %v", r)
	}
}

func TestBridge_BroadcastReachesEveryClient(t *testing.T) {
	t.Parallel()
	srv, url := startServer(t, echo())
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, srv, 2)

	srv.Emit(engine.Envelope{
		Event:     engine.EventAsrFinalText,
		SessionID: "s1",
		Timestamp: 99,
		Data:      map[string]any{"text": "你好"},
	})
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		msg := readJSON(t, conn)
		ev, ok := msg["event"].(map[string]any)
		if !ok {
			t.Fatalf("%s: message = %v", name, msg)
		}
		data, _ := ev["data"].(map[string]any)
		if ev["event"] != "asrFinalText" || ev["sessionId"] != "s1" || data["text"] != "你好" {
			t.Errorf("%s: event = %v", name, ev)
		}
	}
}

func TestBridge_ClientsTrackDisconnects(t *testing.T) {
	t.Parallel()
	srv, url := startServer(t, echo())
	conn := dial(t, url)
	waitClients(t, srv, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, srv, 0)

	// Broadcasting with nobody connected is a no-op.
	srv.Broadcast(engine.Envelope{Event: engine.EventRuntimeError})
}

func TestBridge_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	srv, url := startServer(t, echo())
	conn := dial(t, url)
	waitClients(t, srv, 1)

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after Close: %v", err)
	}
}

func TestBridge_CommandsFromOneClientRunInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	d := dispatchFunc(func(_ context.Context, method string, args map[string]any) (engine.Result, error) {
		mu.Lock()
		order = append(order, args["n"].(string))
		mu.Unlock()
		return engine.Result{"ok": true}, nil
	})
	_, url := startServer(t, d, bridge.WithRateLimit(0, 0))
	conn := dial(t, url)

	const n = 20
	for i := range n {
		sendJSON(t, conn, map[string]any{"id": fmt.Sprint(i), "method": "m", "args": map[string]any{"n": fmt.Sprint(i)}})
	}
	for i := range n {
		msg := readJSON(t, conn)
		if msg["id"] != fmt.Sprint(i) {
			t.Fatalf("reply %d has id %v", i, msg["id"])
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprint(i) {
			t.Fatalf("dispatch order = %v", order)
		}
	}
}
