package ws

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// dialTestClient returns a Client and the server side of its connection.
func dialTestClient(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(conn, logger)
	t.Cleanup(client.Close)

	select {
	case peer := <-serverConns:
		t.Cleanup(func() { _ = peer.Close() })
		return client, peer
	case <-time.After(2 * time.Second):
		t.Fatalf("server side of connection never arrived")
		return nil, nil
	}
}

func TestClientSendDeliversTextFrames(t *testing.T) {
	client, peer := dialTestClient(t)

	payload := []byte(`{"event_type":"metric"}`)
	if err := client.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, got, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", kind)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestClientCloseSendsCloseFrame(t *testing.T) {
	client, peer := dialTestClient(t)
	client.Close()

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got code %d", closeErr.Code)
	}
}

func TestClientSendAfterCloseFails(t *testing.T) {
	client, _ := dialTestClient(t)
	client.Close()
	if err := client.Send([]byte("late")); err == nil {
		t.Fatalf("expected error sending on closed connection")
	}
}
