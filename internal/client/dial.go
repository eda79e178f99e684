package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"nhooyr.io/websocket"

	"atbws/internal/proto"
)

// FrontendInputKind enumerates what a frontend (shell or portfwd) can
// feed into an active tunnel.
type FrontendInputKind int

const (
	InputData FrontendInputKind = iota
	InputContinue
	InputStop
	InputWinch
	InputEnd
)

type FrontendInput struct {
	Kind FrontendInputKind
	Data []byte
	Cols uint16
	Rows uint16
}

// FrontendOutputKind enumerates what a tunnel can hand back to its frontend.
type FrontendOutputKind int

const (
	OutputData FrontendOutputKind = iota
	OutputDied
	OutputClosed
)

type FrontendOutput struct {
	Kind FrontendOutputKind
	Data []byte
	Exit uint8
}

// Tunnel is an established, authenticated connection task:
// a symmetric counterpart to the server's Router, owned by whichever
// frontend opened it.
type Tunnel struct {
	conn  *websocket.Conn
	log   *slog.Logger
	shell bool

	Input  chan FrontendInput
	Output chan FrontendOutput
}

// ErrAuthRejected is returned by Dial when the server answers
// Authenticate with Authentication{OK: false}.
var ErrAuthRejected = errors.New("client: authentication rejected")

// ErrVersionMismatch is returned by Dial when the server rejects the
// announced protocol version.
var ErrVersionMismatch = errors.New("client: server rejected protocol version")

// Dial opens a websocket to the workspace, performs the handshake and
// authentication steps, sends the connection type, and
// returns a running Tunnel. The background goroutines it starts exit
// when the caller sends InputEnd or the transport closes.
func Dial(ctx context.Context, host string, settings Settings, log *slog.Logger) (*Tunnel, error) {
	url := fmt.Sprintf("wss://%s%s", host, proto.TunnelPath)
	if strings.Contains(host, "://") {
		// Tests point Dial at a plain ws:// httptest server; production
		// callers pass a bare hostname and always get wss://.
		url = host + proto.TunnelPath
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &Tunnel{conn: conn, log: log, shell: settings.Connection.Shell}

	if err := t.sendMsg(ctx, proto.Hello{Major: proto.SupportedMajor, Minor: proto.SupportedMinor}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := t.sendMsg(ctx, proto.Authenticate{Password: settings.Key}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}

	msg, err := t.recvMsg(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("await authentication: %w", err)
	}
	auth, ok := msg.(proto.Authentication)
	if !ok {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, ErrVersionMismatch
	}
	if !auth.OK {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrAuthRejected
	}

	if err := t.sendMsg(ctx, settings.Connection.ToMessage()); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}

	t.Input = make(chan FrontendInput, 64)
	t.Output = make(chan FrontendOutput, 64)
	go t.run(ctx)

	return t, nil
}

func (t *Tunnel) sendMsg(ctx context.Context, m proto.Message) error {
	frame, err := proto.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return t.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (t *Tunnel) recvMsg(ctx context.Context) (proto.Message, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected message type %v", typ)
	}
	return proto.Decode(data)
}

// run drives the post-handshake direction table: one goroutine decodes inbound
// frames into a channel, this loop forwards FrontendInput to the
// server and translates inbound Messages into FrontendOutput.
func (t *Tunnel) run(ctx context.Context) {
	defer close(t.Output)

	inbound := make(chan proto.Message, 1)
	go func() {
		defer close(inbound)
		for {
			msg, err := t.recvMsg(ctx)
			if err != nil {
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if done := t.handleInbound(ctx, msg); done {
				return
			}
		case in, ok := <-t.Input:
			if !ok {
				return
			}
			if done := t.handleLocalInput(ctx, in); done {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tunnel) handleInbound(ctx context.Context, msg proto.Message) (done bool) {
	switch m := msg.(type) {
	case proto.TerminalOutput:
		t.Output <- FrontendOutput{Kind: OutputData, Data: m.Data}
		return false
	case proto.SocketOutput:
		t.Output <- FrontendOutput{Kind: OutputData, Data: m.Data}
		return false
	case proto.ChildDeath:
		t.Output <- FrontendOutput{Kind: OutputDied, Exit: m.Exit}
		t.conn.Close(websocket.StatusNormalClosure, "")
		return true
	case proto.SocketClose:
		t.Output <- FrontendOutput{Kind: OutputClosed}
		t.conn.Close(websocket.StatusNormalClosure, "")
		return true
	case proto.Error:
		t.conn.Close(websocket.StatusProtocolError, "")
		return true
	default:
		return false
	}
}

func (t *Tunnel) handleLocalInput(ctx context.Context, in FrontendInput) (done bool) {
	switch in.Kind {
	case InputData:
		if t.shell {
			t.sendMsg(ctx, proto.TerminalInput{Data: in.Data})
		} else {
			t.sendMsg(ctx, proto.SocketInput{Data: in.Data})
		}
		return false
	case InputContinue:
		t.sendMsg(ctx, proto.SignalContinue{})
		return false
	case InputStop:
		t.sendMsg(ctx, proto.SignalStop{})
		return false
	case InputWinch:
		t.sendMsg(ctx, proto.SignalWinch{Cols: in.Cols, Rows: in.Rows})
		return false
	case InputEnd:
		t.sendMsg(ctx, proto.EndSession{})
		t.conn.Close(websocket.StatusNormalClosure, "")
		return true
	}
	return false
}
