// Package e2e exercises the client and server halves of the tunnel
// together over a real websocket: a full shell session, a port
// forward, and a rejected password. Version mismatch, which the client
// never sends, is covered by internal/server's own router tests.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atbws/internal/client"
	"atbws/internal/proto"
	"atbws/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, key server.AuthKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(proto.TunnelPath, func(w http.ResponseWriter, r *http.Request) {
		server.ServeTunnel(w, r, key, discardLogger())
	})
	return httptest.NewServer(mux)
}

func TestHappyShellSession(t *testing.T) {
	ts := newTestServer(t, "hunter2")
	defer ts.Close()

	host := ts.Listener.Addr().(*net.TCPAddr)
	settings := client.Settings{
		Key:        "hunter2",
		Connection: client.Connection{Shell: true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tunnel, err := client.Dial(ctx, "ws://"+host.String(), settings, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	tunnel.Input <- client.FrontendInput{Kind: client.InputData, Data: []byte("exit 0\n")}

	for {
		select {
		case out, ok := <-tunnel.Output:
			if !ok {
				t.Fatal("tunnel closed before ChildDeath")
			}
			if out.Kind == client.OutputDied {
				if out.Exit != 0 {
					t.Errorf("exit = %d, want 0", out.Exit)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for ChildDeath")
		}
	}
}

func TestBadPasswordDoesNotAuthenticate(t *testing.T) {
	ts := newTestServer(t, "hunter2")
	defer ts.Close()

	host := ts.Listener.Addr().(*net.TCPAddr)
	settings := client.Settings{
		Key:        "wrong",
		Connection: client.Connection{Shell: true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, "ws://"+host.String(), settings, discardLogger()); err != client.ErrAuthRejected {
		t.Errorf("Dial error = %v, want ErrAuthRejected", err)
	}
}

func TestPortfwdSession(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	ts := newTestServer(t, "hunter2")
	defer ts.Close()

	host := ts.Listener.Addr().(*net.TCPAddr)
	port := uint16(upstream.Addr().(*net.TCPAddr).Port)
	settings := client.Settings{
		Key:        "hunter2",
		Connection: client.Connection{Port: port},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tunnel, err := client.Dial(ctx, "ws://"+host.String(), settings, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	tunnel.Input <- client.FrontendInput{Kind: client.InputData, Data: []byte("ping")}

	select {
	case out := <-tunnel.Output:
		if out.Kind != client.OutputData || string(out.Data) != "ping" {
			t.Errorf("got %+v, want Data(\"ping\")", out)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed data")
	}
}
