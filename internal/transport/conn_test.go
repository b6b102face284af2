package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialAndEcho(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("X-Session", "abc")
	conn, err := NewWSDialer(time.Second).Dial(ctx, wsURL(srv), h)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(CloseNormal, "")

	if got := (<-headers).Get("X-Session"); got != "abc" {
		t.Errorf("Expected header abc, got %q", got)
	}

	if err := conn.WriteMessage(BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if mt != BinaryMessage {
		t.Errorf("Expected binary message, got %d", mt)
	}
	if len(data) != 3 || data[2] != 3 {
		t.Errorf("Expected echoed payload, got %v", data)
	}
}

func TestCloseCodeFromPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewConn(conn).Close(websocket.CloseGoingAway, "bye")
	}))
	defer srv.Close()

	conn, err := NewWSDialer(time.Second).Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	_, _, err = conn.ReadMessage()
	code, ok := CloseCode(err)
	if !ok {
		t.Fatalf("Expected close error, got %v", err)
	}
	if code != websocket.CloseGoingAway {
		t.Errorf("Expected code 1001, got %d", code)
	}
	if IsNormalClose(err) {
		t.Error("Expected 1001 not to count as normal close")
	}
}

func TestDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := NewWSDialer(time.Second).Dial(context.Background(), wsURL(srv), nil); err == nil {
		t.Error("Expected dial error for non-websocket endpoint")
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewWSDialer(time.Second).Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	first := conn.Close(CloseNormal, "done")
	second := conn.Close(CloseNormal, "done")
	if first != second {
		t.Errorf("Expected repeated Close to return the same result, got %v and %v", first, second)
	}
}
