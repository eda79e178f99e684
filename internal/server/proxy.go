package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
)

// PublicPort and TunnelPort are the server's two fixed listener ports:
// 3321 is the L7 path-sniffing front door, 3322 is the tunnel websocket
// itself.
const (
	PublicPort = 3321
	TunnelPort = 3322

	// TunnelPathPrefix is matched against the sniffed request path;
	// everything else falls through to the workspace port.
	TunnelPathPrefix = "/__atbws"

	// peekLimit bounds how much of the first request line the proxy
	// reads before giving up.
	peekLimit = 256
)

// ErrNoWorkspacePort is returned when a non-tunnel request arrives and
// no workspace port is configured or has been auto-detected.
var ErrNoWorkspacePort = errors.New("proxy: no workspace port available")

// WorkspacePort resolves which port a non-tunnel request should be
// forwarded to. It's a function rather than a fixed value because the
// server may resolve it once at startup (-p flag or config) or lazily
// via netstat auto-detection.
type WorkspacePort func() (uint16, error)

// Proxy is the L7 path-sniffing reverse proxy that fronts the
// workspace. It is not a general HTTP proxy: it inspects only the
// first line of the first request on each connection and then
// shuttles raw bytes.
type Proxy struct {
	workspacePort WorkspacePort
	log           *slog.Logger
}

// NewProxy builds a Proxy that forwards tunnel-path requests to
// TunnelPort and everything else to whatever workspacePort resolves.
func NewProxy(workspacePort WorkspacePort, log *slog.Logger) *Proxy {
	return &Proxy{workspacePort: workspacePort, log: log}
}

// ListenAndServe binds PublicPort and serves until Accept fails. It
// does not expose the listener; a caller that wants to close the
// listener itself binds one and calls Serve.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", PublicPort))
	if err != nil {
		return fmt.Errorf("proxy listen :%d: %w", PublicPort, err)
	}
	defer ln.Close()
	return p.Serve(ln)
}

// Serve accepts connections from ln until Accept fails.
func (p *Proxy) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.handle(conn)
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()

	line, buffered, err := peekRequestLine(conn)
	if err != nil {
		p.log.Debug("proxy: failed to read request line", "err", err)
		return
	}

	path, ok := requestPath(line)
	if !ok {
		p.log.Debug("proxy: malformed request line", "line", string(line))
		return
	}

	var upstreamAddr string
	if strings.HasPrefix(path, TunnelPathPrefix) {
		upstreamAddr = fmt.Sprintf("127.0.0.1:%d", TunnelPort)
	} else {
		port, err := p.workspacePort()
		if err != nil {
			p.log.Debug("proxy: no workspace port", "path", path, "err", err)
			return
		}
		upstreamAddr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	upstream, err := net.Dial("tcp", upstreamAddr)
	if err != nil {
		p.log.Debug("proxy: dial upstream failed", "addr", upstreamAddr, "err", err)
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(buffered); err != nil {
		return
	}

	shuttle(conn, upstream)
}

// peekRequestLine reads up to peekLimit bytes, looking for the first
// line's terminator, and returns the line plus everything read so far
// (so it can be replayed to the upstream — the proxy only sniffs, it
// does not consume and discard).
func peekRequestLine(conn net.Conn) (line []byte, buffered []byte, err error) {
	r := bufio.NewReaderSize(conn, peekLimit)
	first, err := r.ReadSlice('\n')
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, nil, err
	}
	if len(first) == 0 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	rest, _ := r.Peek(r.Buffered())
	raw := make([]byte, 0, len(first)+len(rest))
	raw = append(append(raw, first...), rest...)

	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		nl = len(raw)
	}
	return bytes.TrimRight(raw[:nl], "\r\n"), raw, nil
}

// requestPath extracts the path from an HTTP request line of the form
// "METHOD /path HTTP/1.1" by locating the first space and taking the
// remainder up to (but not including) the next space.
func requestPath(line []byte) (string, bool) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return "", false
	}
	rest := line[sp+1:]
	if end := bytes.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	if len(rest) == 0 {
		return "", false
	}
	return string(rest), true
}

// shuttle copies bytes in both directions until either side reads 0
// or errors.
func shuttle(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
}
