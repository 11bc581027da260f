package listen

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestClientGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"close_frame", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"abnormal_close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"connection_reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"closed_conn", fmt.Errorf("read: %w", net.ErrClosed), true},
		{"eof", io.EOF, true},
		{"unexpected_eof", io.ErrUnexpectedEOF, true},
		{"protocol_violation", errors.New("websocket: bad opcode 3"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clientGone(tt.err); got != tt.want {
				t.Errorf("clientGone(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// serveRead upgrades one connection and reports the first Read error.
func serveRead(t *testing.T) (*httptest.Server, <-chan error) {
	t.Helper()
	errs := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errs <- err
			return
		}
		conn := NewWebsocketConn(ws)
		defer conn.Close(websocket.CloseGoingAway, "")
		for {
			if _, err := conn.Read(); err != nil {
				errs <- err
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, errs
}

func dialTest(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return ws
}

func waitReadErr(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("server Read did not return")
		return nil
	}
}

func TestWebsocketConnRead(t *testing.T) {
	t.Run("close_frame_is_client_gone", func(t *testing.T) {
		srv, errs := serveRead(t)
		ws := dialTest(t, srv)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		defer ws.Close()
		if err := waitReadErr(t, errs); !errors.Is(err, ErrClientGone) {
			t.Errorf("Read = %v, want ErrClientGone", err)
		}
	})

	t.Run("reset_is_client_gone", func(t *testing.T) {
		srv, errs := serveRead(t)
		ws := dialTest(t, srv)
		if tcp, ok := ws.UnderlyingConn().(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		ws.UnderlyingConn().Close()
		if err := waitReadErr(t, errs); !errors.Is(err, ErrClientGone) {
			t.Errorf("Read = %v, want ErrClientGone", err)
		}
	})
}
