package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	up := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) domain.Conn {
	t.Helper()
	d := NewDialer(DialerConfig{URL: url, WriteTimeout: time.Second}, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextMessage(t *testing.T, conn domain.Conn) string {
	t.Helper()
	select {
	case msg := <-conn.Messages():
		return string(msg.Data)
	case err := <-conn.Errors():
		t.Fatalf("transport error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return ""
}

func TestClient_SendAndReceive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo back
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	conn := dial(t, wsURL(server))
	if err := conn.Send([]byte(`{"event":"join_auction","data":{"auction_id":"A1"}}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := nextMessage(t, conn); !strings.Contains(got, `"A1"`) {
		t.Errorf("echo = %s", got)
	}
}

func TestClient_ReportsServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"joined_auction","data":{"auction_id":"A1"}}`))
	})

	conn := dial(t, wsURL(server))
	nextMessage(t, conn)

	select {
	case err := <-conn.Errors():
		if err == nil {
			t.Error("expected a non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server close not reported")
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dial(t, wsURL(server))
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := conn.Send([]byte("x")); err != domain.ErrNotConnected {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}

	// Close is not a transport failure.
	select {
	case err := <-conn.Errors():
		t.Errorf("unexpected error after Close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialer_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	d := NewDialer(DialerConfig{URL: url, HandshakeTimeout: time.Second}, logger.NewNop())
	if _, err := d.Dial(context.Background()); err == nil {
		t.Error("expected dial error")
	}
}
