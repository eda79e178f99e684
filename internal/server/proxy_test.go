package server

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func echoUpstream(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestProxyRoutesNonTunnelPathToWorkspacePort(t *testing.T) {
	upstreamAddr, closeUpstream := echoUpstream(t)
	defer closeUpstream()

	_, portStr, _ := net.SplitHostPort(upstreamAddr)
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	p := NewProxy(func() (uint16, error) { return port, nil }, discardLogger())
	go p.Serve(proxyLn)

	conn, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET /some/path HTTP/1.1\r\nHost: x\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read echoed line: %v", err)
	}
	if line != "GET /some/path HTTP/1.1\r\n" {
		t.Errorf("echoed line = %q", line)
	}
}

func TestRequestPath(t *testing.T) {
	cases := []struct {
		line string
		want string
		ok   bool
	}{
		{"GET /__atbws HTTP/1.1", "/__atbws", true},
		{"GET / HTTP/1.1", "/", true},
		{"malformed", "", false},
	}
	for _, c := range cases {
		got, ok := requestPath([]byte(c.line))
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("requestPath(%q) = (%q, %v), want (%q, %v)", c.line, got, ok, c.want, c.ok)
		}
	}
}
