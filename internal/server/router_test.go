package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"atbws/internal/proto"
)

func newRouterTestServer(t *testing.T, key AuthKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(proto.TunnelPath, func(w http.ResponseWriter, r *http.Request) {
		ServeTunnel(w, r, key, discardLogger())
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialRaw(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ts.Listener.Addr().String()+proto.TunnelPath, &websocket.DialOptions{
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, m proto.Message) {
	t.Helper()
	frame, err := proto.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.Kind(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write %s: %v", m.Kind(), err)
	}
}

func recvRaw(t *testing.T, conn *websocket.Conn) (proto.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("unexpected message type %v", typ)
	}
	return proto.Decode(data)
}

// A Hello announcing an unsupported version is answered with Error and
// the connection is closed.
func TestRouterRejectsVersionMismatch(t *testing.T) {
	ts := newRouterTestServer(t, "hunter2")
	conn := dialRaw(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendRaw(t, conn, proto.Hello{Major: proto.SupportedMajor + 1, Minor: 0})

	msg, err := recvRaw(t, conn)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if _, ok := msg.(proto.Error); !ok {
		t.Fatalf("got %T, want proto.Error", msg)
	}

	if _, err := recvRaw(t, conn); err == nil {
		t.Fatal("expected connection to close after version mismatch, got another message")
	}
}

// A wrong password is rejected but the connection stays open, awaiting
// another Authenticate attempt.
func TestRouterRejectsBadPassword(t *testing.T) {
	ts := newRouterTestServer(t, "hunter2")
	conn := dialRaw(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendRaw(t, conn, proto.Hello{Major: proto.SupportedMajor, Minor: proto.SupportedMinor})
	sendRaw(t, conn, proto.Authenticate{Password: "wrong"})

	msg, err := recvRaw(t, conn)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	auth, ok := msg.(proto.Authentication)
	if !ok || auth.OK {
		t.Fatalf("got %+v, want Authentication{OK: false}", msg)
	}

	sendRaw(t, conn, proto.Authenticate{Password: "hunter2"})
	msg, err = recvRaw(t, conn)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if auth, ok := msg.(proto.Authentication); !ok || !auth.OK {
		t.Fatalf("got %+v, want Authentication{OK: true}", msg)
	}
}

// Messages illegal in the current state (here: TerminalInput before a
// connection type has ever been picked) are silently dropped rather
// than treated as a protocol error, and don't disturb the handshake
// that follows.
func TestRouterDropsOutOfStateMessages(t *testing.T) {
	ts := newRouterTestServer(t, "hunter2")
	conn := dialRaw(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendRaw(t, conn, proto.TerminalInput{Data: []byte("too early")})
	sendRaw(t, conn, proto.Hello{Major: proto.SupportedMajor, Minor: proto.SupportedMinor})
	sendRaw(t, conn, proto.Authenticate{Password: "hunter2"})

	msg, err := recvRaw(t, conn)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if auth, ok := msg.(proto.Authentication); !ok || !auth.OK {
		t.Fatalf("got %+v, want Authentication{OK: true}", msg)
	}
}

// EndSession tears down the connection with a normal closure, not a
// leaked socket or an abnormal close code.
func TestRouterClosesConnectionOnEndSession(t *testing.T) {
	ts := newRouterTestServer(t, "hunter2")
	conn := dialRaw(t, ts)

	sendRaw(t, conn, proto.Hello{Major: proto.SupportedMajor, Minor: proto.SupportedMinor})
	sendRaw(t, conn, proto.Authenticate{Password: "hunter2"})
	if _, err := recvRaw(t, conn); err != nil {
		t.Fatalf("recv authentication: %v", err)
	}
	upstream, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		t.Fatalf("listen upstream: %v", listenErr)
	}
	defer upstream.Close()
	sendRaw(t, conn, proto.ConnectionType{Port: uint16(upstream.Addr().(*net.TCPAddr).Port)})
	sendRaw(t, conn, proto.EndSession{})

	_, err := recvRaw(t, conn)
	if err == nil {
		t.Fatal("expected connection to close after EndSession")
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.StatusNormalClosure {
		t.Errorf("close code = %v, want StatusNormalClosure", closeErr.Code)
	}
}
