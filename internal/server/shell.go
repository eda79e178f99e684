package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// shellPath and shellEnv are the fixed constants for the spawned child:
// always /bin/bash with exactly one environment variable.
const shellPath = "/bin/bash"

var shellEnv = []string{"TERM=xterm-256color"}

// shellBackend drives a PTY-backed /bin/bash child for one active shell
// connection. Exactly one ChildDeath ever crosses its output queue.
type shellBackend struct {
	master *os.File
	cmd    *exec.Cmd
	log    *slog.Logger
}

// startShellBackend opens a PTY, forks /bin/bash onto its slave end, and
// starts the goroutines that turn PTY activity into backendOutput and
// backendInput into PTY/signal actions. A failure here means the caller
// sends Error and (for shell sessions) closes the connection.
func startShellBackend(log *slog.Logger) (*backend, error) {
	master, slave, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	cmd := exec.Command(shellPath)
	cmd.Env = shellEnv
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	// Setsid detaches the child from any inherited controlling terminal
	// and starts a new session; Setctty with Ctty=0 (fd index 0 among
	// Stdin/ExtraFiles, i.e. the slave on stdin) then makes the PTY slave
	// the new controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	slave.Close()

	sb := &shellBackend{master: master, cmd: cmd, log: log}
	b := &backend{
		input:     make(chan backendInput, 64),
		output:    make(chan backendOutput, 64),
		ptyMaster: master,
	}

	go sb.readLoop(b.output)
	go sb.waitLoop(b.output)
	go sb.controlLoop(b.input, b.output)

	return b, nil
}

// readLoop is the PTY reader: one task per logical stream, emitting Data
// directly as bytes arrive.
func (sb *shellBackend) readLoop(output chan<- backendOutput) {
	buf := make([]byte, 256)
	for {
		n, err := sb.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			output <- backendOutput{kind: outputData, data: chunk}
		}
		if err != nil {
			// EOF (or any read error) means the child is exiting or has
			// closed its end of the PTY; stop reading and let waitLoop
			// emit the Died event.
			return
		}
		if n == 0 {
			return
		}
	}
}

// waitLoop reaps the child and emits exactly one Died event. Blocking on
// cmd.Wait in its own goroutine reaps promptly and emits Died once,
// without busy-waiting.
func (sb *shellBackend) waitLoop(output chan<- backendOutput) {
	err := sb.cmd.Wait()
	exit := exitCode(sb.cmd, err)
	sb.master.Close()
	output <- backendOutput{kind: outputDied, exit: exit}
}

// exitCode truncates a normal exit status to u8, or returns the abnormal
// sentinel 255 for anything else (signalled, stopped, etc).
func exitCode(cmd *exec.Cmd, waitErr error) uint8 {
	if cmd.ProcessState == nil {
		return 255
	}
	if cmd.ProcessState.Exited() {
		return uint8(cmd.ProcessState.ExitCode())
	}
	return 255
}

// controlLoop drains backendInput and turns it into PTY writes or
// signals to the child. A single goroutine owns all writes to master,
// so no additional synchronization is needed even though readLoop reads
// the same *os.File concurrently.
func (sb *shellBackend) controlLoop(input <-chan backendInput, output chan<- backendOutput) {
	for in := range input {
		switch in.kind {
		case inputData:
			if _, err := sb.master.Write(in.data); err != nil {
				return
			}
		case inputContinue:
			sb.cmd.Process.Signal(syscall.SIGCONT)
		case inputStop:
			sb.cmd.Process.Signal(syscall.SIGSTOP)
		case inputWinch:
			if err := setWinsize(sb.master.Fd(), in.rows, in.cols); err == nil {
				sb.cmd.Process.Signal(syscall.SIGWINCH)
			}
		case inputEnd:
			sb.cmd.Process.Signal(syscall.SIGKILL)
			return
		}
	}
}
