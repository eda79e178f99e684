package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
)

// startPortfwdBackend dials 127.0.0.1:port and wires up the reader/writer
// goroutines for an active socket connection. Dial failure means the
// caller sends Error but keeps the connection awaiting a connection
// type (unlike shell, a failed portfwd doesn't close).
func startPortfwdBackend(port uint16, log *slog.Logger) (*backend, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("dial 127.0.0.1:%d: %w", port, err)
	}

	pb := &portfwdBackend{conn: conn, log: log}
	b := &backend{
		input:  make(chan backendInput, 64),
		output: make(chan backendOutput, 64),
	}

	go pb.readLoop(b.output)
	go pb.controlLoop(b.input)

	return b, nil
}

type portfwdBackend struct {
	conn net.Conn
	log  *slog.Logger
}

func (pb *portfwdBackend) readLoop(output chan<- backendOutput) {
	buf := make([]byte, 256)
	for {
		n, err := pb.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			output <- backendOutput{kind: outputData, data: chunk}
		}
		if err != nil {
			out := backendOutput{kind: outputClosed}
			if err != io.EOF {
				out.err = err
			}
			output <- out
			return
		}
		if n == 0 {
			output <- backendOutput{kind: outputClosed}
			return
		}
	}
}

func (pb *portfwdBackend) controlLoop(input <-chan backendInput) {
	for in := range input {
		switch in.kind {
		case inputData:
			if _, err := pb.conn.Write(in.data); err != nil {
				return
			}
		case inputEnd:
			pb.conn.Close()
			return
		default:
			// Continue/Stop/Winch don't apply to a portfwd backend
			// and are ignored.
		}
	}
}
