package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"atbws/internal/proto"
)

// menuTrigger is the Ctrl-Z byte that opens the in-session menu.
const menuTrigger = 0x1A

// RunShell drives the interactive shell frontend against an
// already-dialled Tunnel. It returns the child's reported exit code, or
// proto.AbnormalExit if the session ended some other way.
func RunShell(ctx context.Context, t *Tunnel, log *slog.Logger) (exit uint8, err error) {
	fd := int(os.Stdin.Fd())

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return 0, fmt.Errorf("query terminal size: %w", err)
	}

	emu := newEmulator(rows-1, cols)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return 0, fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	clearScreen()

	keys := make(chan []byte, 64)
	keyErr := make(chan error, 1)
	go readKeystrokes(keys, keyErr)

	t.Input <- FrontendInput{Kind: InputWinch, Cols: uint16(cols), Rows: uint16(rows)}

	lastCols, lastRows := cols, rows
	for {
		if newCols, newRows, err := term.GetSize(fd); err == nil && (newCols != lastCols || newRows != lastRows) {
			lastCols, lastRows = newCols, newRows
			emu.setSize(newRows-1, newCols)
			t.Input <- FrontendInput{Kind: InputWinch, Cols: uint16(newCols), Rows: uint16(newRows)}
		}

		select {
		case out, ok := <-t.Output:
			if !ok {
				return proto.AbnormalExit, nil
			}
			switch out.Kind {
			case OutputData:
				emu.process(out.Data)
				repaint(emu, lastCols, lastRows)
			case OutputDied:
				restoreAndReport(fd, oldState, out.Exit)
				return out.Exit, nil
			}
		default:
		}

		select {
		case chunk, ok := <-keys:
			if !ok {
				return proto.AbnormalExit, drainKeyErr(keyErr)
			}
			handleKeystrokes(t, keys, chunk)
		default:
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func drainKeyErr(keyErr chan error) error {
	select {
	case err := <-keyErr:
		return err
	default:
		return nil
	}
}

func readKeystrokes(keys chan<- []byte, keyErr chan<- error) {
	defer close(keys)
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			keys <- chunk
		}
		if err != nil {
			keyErr <- err
			return
		}
	}
}

// handleKeystrokes splits a chunk containing the menu trigger so
// pre-bytes go out as Data before Stop, and post-bytes go out as Data
// after Continue.
func handleKeystrokes(t *Tunnel, keys <-chan []byte, chunk []byte) {
	p := bytes.IndexByte(chunk, menuTrigger)
	if p < 0 {
		t.Input <- FrontendInput{Kind: InputData, Data: chunk}
		return
	}

	if p > 0 {
		t.Input <- FrontendInput{Kind: InputData, Data: chunk[:p]}
	}
	t.Input <- FrontendInput{Kind: InputStop}

	runMenu(t, keys)

	t.Input <- FrontendInput{Kind: InputContinue}
	if p+1 < len(chunk) {
		t.Input <- FrontendInput{Kind: InputData, Data: chunk[p+1:]}
	}
}

// runMenu draws the menu prompt and blocks for the next keystroke chunk
// off the same channel the background reader feeds, rather than
// issuing a second, racing read against stdin. Only the chunk's first
// byte is consulted as the confirmation key.
func runMenu(t *Tunnel, keys <-chan []byte) {
	drawMenuPrompt()

	var key byte = 0x1B
	if chunk, ok := <-keys; ok && len(chunk) > 0 {
		key = chunk[0]
	}

	switch key {
	case 'q':
		t.Input <- FrontendInput{Kind: InputEnd}
	case 0x1B, 'x':
		// no-op, fall through to restore
	default:
		showMenuError()
		time.Sleep(2 * time.Second)
	}
	restoreMenuPrompt()
}

func clearScreen() {
	os.Stdout.WriteString("\x1b[2J\x1b[H")
}

func repaint(emu emulator, cols, rows int) {
	var buf bytes.Buffer
	buf.WriteString("\x1b[H")
	buf.Write(emu.contentsFormatted())
	buf.WriteString("\r\n")
	buf.WriteString(menuBar(cols))
	row, col := emu.cursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", row+1, col+1)
	os.Stdout.Write(buf.Bytes())
}

func menuBar(cols int) string {
	label := " Ctrl-Z for menu "
	if len(label) > cols {
		label = label[:cols]
	}
	pad := cols - len(label)
	if pad < 0 {
		pad = 0
	}
	return "\x1b[7m" + label + bytesRepeat(' ', pad) + "\x1b[0m"
}

func bytesRepeat(b byte, n int) string {
	if n <= 0 {
		return ""
	}
	return string(bytes.Repeat([]byte{b}, n))
}

func drawMenuPrompt() {
	os.Stdout.WriteString("\x1b[7m (q)uit, (x) or ESC to cancel \x1b[0m")
}

func restoreMenuPrompt() {
	os.Stdout.WriteString("\x1b[0m")
}

func showMenuError() {
	os.Stdout.WriteString("\x1b[7;31m unrecognised key \x1b[0m")
}

func restoreAndReport(fd int, oldState *term.State, exit uint8) {
	term.Restore(fd, oldState)
	os.Stdout.WriteString("\x1b[2J\x1b[H")
	if exit == proto.AbnormalExit {
		fmt.Println("Process died unusually")
		return
	}
	fmt.Printf("Process exited with code %d\n", exit)
}
