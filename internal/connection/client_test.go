package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Just keep the connection open
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)
	ctx := context.Background()

	err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	err = client.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	cfg := ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"test": "message"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"type": "test", "data": 1}`,
		`{"type": "test", "data": 2}`,
		`{"type": "test", "data": 3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		// Keep connection open
		time.Sleep(time.Second)
	})
	defer server.Close()

	cfg := ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// Collect received messages
	var received []string
	timeout := time.After(500 * time.Millisecond)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-client.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	cfg := ClientConfig{
		URL:          "ws://localhost:12345",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)

	err := client.Send([]byte("test"))
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	cfg := ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First close should succeed
	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_PingHandler(t *testing.T) {
	pongs := make(chan string, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pongs <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		// Pong frames are processed inside ReadMessage.
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		conn.ReadMessage()
	})
	defer server.Close()

	cfg := ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}

	client := NewClient(cfg, nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case data := <-pongs:
		if data != "keepalive" {
			t.Errorf("pong payload = %q, want keepalive", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestClient_UserAgentHeader(t *testing.T) {
	gotUA := make(chan string, 1)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		URL:       wsURL(server),
		UserAgent: "quotecache/test",
	}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if ua := <-gotUA; ua != "quotecache/test" {
		t.Errorf("User-Agent = %q, want quotecache/test", ua)
	}
}

func TestClient_ErrorOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Return immediately; the deferred Close drops the socket.
	})
	defer server.Close()

	client := NewClient(ClientConfig{URL: wsURL(server)}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection error")
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to return false after server close")
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:12345"}, nil)
	client.Close()

	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", clientCfg.WriteTimeout)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	sessCfg := DefaultSessionConfig()
	if sessCfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", sessCfg.HeartbeatInterval)
	}
	if sessCfg.MaxMissedHeartbeats != 3 {
		t.Errorf("MaxMissedHeartbeats = %d, want 3", sessCfg.MaxMissedHeartbeats)
	}
	if sessCfg.ReconnectMaxDelay != 60*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 60s", sessCfg.ReconnectMaxDelay)
	}
}
