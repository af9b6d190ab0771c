package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"masterlinc/internal/domain"
)

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]TokenEntry{
		{Token: "test-token", Name: "tester", Roles: []string{"admin"}},
	})
}

func startTestServer(t *testing.T, f *fixture) *Server {
	t.Helper()
	srv := NewServer(f.bus, newTestAuth(), "127.0.0.1:0", testLogger())
	RegisterDefaultHandlers(srv, f.deps)
	RegisterRESTHandlers(srv, f.deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// readResponse skips forwarded events until the response with id arrives.
func readResponse(t *testing.T, ws *websocket.Conn, id uint64) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Type == FrameTypeResponse && frame.ID == id {
			return frame
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, newFixture(t))

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
	resp, err := http.Get("http://" + srv.BoundAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, newFixture(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerQueryToken(t *testing.T) {
	srv := startTestServer(t, newFixture(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestServerAgentListRPC(t *testing.T) {
	srv := startTestServer(t, newFixture(t))
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	req := Frame{Type: FrameTypeRequest, ID: 1, Method: "agent.list"}
	if err := wsjson.Write(context.Background(), ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, ws, 1)
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	var agents []domain.Agent
	if err := json.Unmarshal(resp.Payload, &agents); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("got %d agents, want 2", len(agents))
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, newFixture(t))
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	req := Frame{Type: FrameTypeRequest, ID: 2, Method: "claims.approve"}
	if err := wsjson.Write(context.Background(), ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, ws, 2)
	if resp.Error == "" {
		t.Error("expected error for unknown method")
	}
	if resp.Code != string(domain.CodeRPCMethodNotFound) {
		t.Errorf("code = %q", resp.Code)
	}
	if resp.ErrorAR == "" {
		t.Error("expected Arabic error text")
	}
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t, newFixture(t))
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	req := Frame{Type: FrameTypeRequest, ID: 3, Method: "agent.get", Payload: json.RawMessage(`{"agent_id":"ghost"}`)}
	if err := wsjson.Write(context.Background(), ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, ws, 3)
	if resp.Code != string(domain.CodeAgentNotFound) {
		t.Errorf("code = %q, want %s", resp.Code, domain.CodeAgentNotFound)
	}
	if resp.ErrorAR != "غير موجود" {
		t.Errorf("error_ar = %q", resp.ErrorAR)
	}
}

func TestServerEventForwarding(t *testing.T) {
	f := newFixture(t)
	srv := startTestServer(t, f)
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	// Give the connection time to be registered.
	time.Sleep(100 * time.Millisecond)

	f.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventAgentStatusChange,
		Timestamp: time.Now(),
		EntityID:  "claimlinc",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != FrameTypeEvent {
		t.Fatalf("type = %q, want event", frame.Type)
	}
	var ev domain.Event
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EntityID != "claimlinc" {
		t.Errorf("entity = %q", ev.EntityID)
	}
}

func TestServerSlowClient(t *testing.T) {
	f := newFixture(t)
	srv := startTestServer(t, f)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	_ = ws // connected but not reading

	time.Sleep(100 * time.Millisecond)

	// Flood events; must neither block nor panic.
	for i := 0; i < 200; i++ {
		f.bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventMessageRouted,
			Timestamp: time.Now(),
		})
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, newFixture(t))

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")

			req := Frame{Type: FrameTypeRequest, ID: id, Method: "agent.eligible", Payload: json.RawMessage(`{"capability":"validation"}`)}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			var resp Frame
			if err := wsjson.Read(ctx, ws, &resp); err != nil {
				t.Errorf("read: %v", err)
			}
		}(uint64(i))
	}
	wg.Wait()
}

func TestServerDisconnect(t *testing.T) {
	f := newFixture(t)
	srv := startTestServer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "bye")

	time.Sleep(100 * time.Millisecond)
	if n := srv.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d after disconnect", n)
	}

	// Publishing after the client left must not panic.
	f.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventMessageRouted,
		Timestamp: time.Now(),
	})
}
