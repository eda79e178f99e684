package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"atbws/internal/proto"
)

// ServeTunnel upgrades r to a websocket and runs a Router over it until
// the connection terminates. Callers (cmd/atbws-server and tests) wire
// this in as their TunnelPath handler.
func ServeTunnel(w http.ResponseWriter, r *http.Request, key AuthKey, log *slog.Logger) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		log.Debug("accept failed", "err", err)
		return
	}

	router := NewRouter(conn, key, log)
	if err := router.Run(r.Context()); err != nil {
		log.Debug("connection ended", "err", err)
	}
}

// connState is the server's per-connection state, totally
// ordered up to the Active split.
type connState int

const (
	stateAwaitingHandshake connState = iota
	stateAwaitingAuthentication
	stateAwaitingConnection
	stateShellActive
	stateSocketActive
)

// AuthKey is the configured shared secret a client must present via
// Authenticate before a connection leaves stateAwaitingAuthentication.
type AuthKey string

// Router drives one accepted websocket connection through the server
// state machine. Each accepted connection gets its own Router and its
// own goroutines; nothing here is shared across connections.
type Router struct {
	conn *websocket.Conn
	key  AuthKey
	log  *slog.Logger

	state   connState
	backend *backend
}

// NewRouter wraps an already-accepted websocket connection.
func NewRouter(conn *websocket.Conn, key AuthKey, log *slog.Logger) *Router {
	return &Router{conn: conn, key: key, log: log, state: stateAwaitingHandshake}
}

// Run blocks until the connection terminates: transport close, a
// protocol violation, EndSession, or a backend reporting Died/Closed.
// It never returns an error for a clean shutdown; transport and decode
// failures, a version mismatch and a shell backend that fails to start
// are returned, wrapped with their proto.ErrorKind (for logging only —
// the connection is always torn down either way). The websocket itself
// is always closed before Run returns: cleanly on a normal end, with
// CloseNow on an unexpected failure.
func (r *Router) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.closeBackend()
	defer func() {
		if err != nil {
			r.conn.CloseNow()
		} else {
			r.conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	inbound := make(chan proto.Message, 1)
	readErr := make(chan error, 1)
	go r.readLoop(ctx, inbound, readErr)

	for {
		// Tie-break: inbound websocket is polled before
		// backend output every iteration. A non-blocking peek first,
		// so a ready inbound frame never loses a race to backend
		// output in the subsequent blocking select.
		select {
		case msg, ok := <-inbound:
			if !ok {
				return drainErr(readErr)
			}
			if done, err := r.handleInbound(ctx, msg); done {
				return err
			}
			continue
		default:
		}

		var outCh <-chan backendOutput
		if r.backend != nil {
			outCh = r.backend.output
		}

		select {
		case msg, ok := <-inbound:
			if !ok {
				return drainErr(readErr)
			}
			if done, err := r.handleInbound(ctx, msg); done {
				return err
			}
		case out, ok := <-outCh:
			if !ok {
				continue
			}
			if done, err := r.handleBackendOutput(ctx, out); done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drainErr(readErr chan error) error {
	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

// readLoop decodes one binary frame per websocket message and feeds it
// to the router. Close frames and read errors close the inbound
// channel; Ping/Pong are handled transparently by nhooyr.io/websocket
// itself, so no explicit Pong-reply step is needed here.
func (r *Router) readLoop(ctx context.Context, inbound chan<- proto.Message, readErr chan<- error) {
	defer close(inbound)
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) {
				readErr <- proto.Wrap(proto.Transport, err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		msg, err := proto.Decode(data)
		if err != nil {
			r.log.Debug("decode failed", "err", err)
			readErr <- proto.Wrap(proto.DecodeFailure, err)
			return
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound applies the per-state transition table to one decoded
// inbound message. done==true means the connection is over; err carries
// an unexpected failure, if any (nil for a clean end).
func (r *Router) handleInbound(ctx context.Context, msg proto.Message) (done bool, err error) {
	switch m := msg.(type) {
	case proto.EndSession:
		if r.state == stateShellActive || r.state == stateSocketActive {
			r.backend.input <- backendInput{kind: inputEnd}
		}
		return true, nil

	case proto.Hello:
		if r.state != stateAwaitingHandshake {
			return false, nil
		}
		if m.Major == proto.SupportedMajor && m.Minor == proto.SupportedMinor {
			r.state = stateAwaitingAuthentication
			return false, nil
		}
		r.send(ctx, proto.Error{})
		return true, proto.Wrap(proto.Protocol, fmt.Errorf("unsupported version %d.%d", m.Major, m.Minor))

	case proto.Authenticate:
		if r.state != stateAwaitingAuthentication {
			return false, nil
		}
		ok := m.Password == string(r.key)
		r.send(ctx, proto.Authentication{OK: ok})
		if ok {
			r.state = stateAwaitingConnection
		}
		return false, nil

	case proto.ConnectionType:
		if r.state != stateAwaitingConnection {
			return false, nil
		}
		return r.startBackend(ctx, m)

	case proto.TerminalInput:
		if r.state == stateShellActive {
			r.backend.input <- backendInput{kind: inputData, data: m.Data}
		}
		return false, nil

	case proto.SocketInput:
		if r.state == stateSocketActive {
			r.backend.input <- backendInput{kind: inputData, data: m.Data}
		}
		return false, nil

	case proto.SignalContinue:
		if r.state == stateShellActive {
			r.backend.input <- backendInput{kind: inputContinue}
		}
		return false, nil

	case proto.SignalStop:
		if r.state == stateShellActive {
			r.backend.input <- backendInput{kind: inputStop}
		}
		return false, nil

	case proto.SignalWinch:
		if r.state == stateShellActive {
			r.backend.input <- backendInput{kind: inputWinch, cols: m.Cols, rows: m.Rows}
		}
		return false, nil

	default:
		// Authentication/TerminalOutput/SocketOutput/ChildDeath/SocketClose
		// are server-to-client only; receiving one here is silently
		// dropped, the same as any other out-of-state message.
		return false, nil
	}
}

func (r *Router) startBackend(ctx context.Context, c proto.ConnectionType) (done bool, err error) {
	if c.IsShell() {
		b, startErr := startShellBackend(r.log)
		if startErr != nil {
			r.log.Warn("shell backend failed to start", "err", proto.Wrap(proto.BackendStart, startErr))
			r.send(ctx, proto.Error{})
			return true, proto.Wrap(proto.BackendStart, startErr)
		}
		r.backend = b
		r.state = stateShellActive
		return false, nil
	}

	b, startErr := startPortfwdBackend(c.Port, r.log)
	if startErr != nil {
		r.log.Warn("portfwd backend failed to start", "port", c.Port, "err", proto.Wrap(proto.BackendStart, startErr))
		r.send(ctx, proto.Error{})
		return false, nil
	}
	r.backend = b
	r.state = stateSocketActive
	return false, nil
}

// handleBackendOutput translates one backendOutput event into the
// corresponding outbound Message, gated by the state it's legal in.
func (r *Router) handleBackendOutput(ctx context.Context, out backendOutput) (done bool, err error) {
	switch out.kind {
	case outputData:
		switch r.state {
		case stateShellActive:
			r.send(ctx, proto.TerminalOutput{Data: out.data})
		case stateSocketActive:
			r.send(ctx, proto.SocketOutput{Data: out.data})
		}
		return false, nil
	case outputDied:
		if r.state == stateShellActive {
			r.send(ctx, proto.ChildDeath{Exit: out.exit})
		}
		return true, nil
	case outputClosed:
		if out.err != nil {
			r.log.Debug("backend connection failed", "err", proto.Wrap(proto.BackendIO, out.err))
		}
		if r.state == stateSocketActive {
			r.send(ctx, proto.SocketClose{})
		}
		return true, nil
	}
	return false, nil
}

func (r *Router) send(ctx context.Context, m proto.Message) {
	frame, err := proto.Encode(m)
	if err != nil {
		r.log.Error("encode failed", "kind", m.Kind(), "err", err)
		return
	}
	if err := r.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		r.log.Debug("write failed", "err", err)
	}
}

func (r *Router) closeBackend() {
	if r.backend == nil {
		return
	}
	// Sending End kills a shell child or closes a portfwd socket, which
	// lets the backend's goroutines exit. The send is non-blocking: if
	// the backend has stopped draining its input and the buffer is full,
	// it is skipped rather than blocking Run's return.
	select {
	case r.backend.input <- backendInput{kind: inputEnd}:
	default:
	}
}
