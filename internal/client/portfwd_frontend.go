package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// DefaultLocalPort is the local bind port portfwd listens on when the
// user doesn't pass -l.
const DefaultLocalPort uint16 = 3325

// RunPortfwd binds 127.0.0.1:<localPort> and, for each accepted
// connection, opens a fresh tunnel to settings.Repl and shuttles bytes
// between the local socket and the tunnel.
func RunPortfwd(ctx context.Context, host string, settings Settings, localPort uint16, log *slog.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return fmt.Errorf("listen 127.0.0.1:%d: %w", localPort, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go servePortfwdConn(ctx, conn, host, settings, log)
	}
}

func servePortfwdConn(ctx context.Context, conn net.Conn, host string, settings Settings, log *slog.Logger) {
	defer conn.Close()

	t, err := Dial(ctx, host, settings, log)
	if err != nil {
		log.Warn("portfwd: dial failed", "err", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				t.Input <- FrontendInput{Kind: InputData, Data: chunk}
			}
			if err != nil {
				t.Input <- FrontendInput{Kind: InputEnd}
				return
			}
		}
	}()

	for out := range t.Output {
		switch out.Kind {
		case OutputData:
			if _, err := conn.Write(out.Data); err != nil {
				return
			}
		case OutputClosed:
			return
		}
	}
	<-done
}
