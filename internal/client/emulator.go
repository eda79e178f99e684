package client

import (
	"bytes"
	"fmt"

	"github.com/hinshun/vt10x"
)

// emulator is the shape the shell frontend needs from a terminal
// emulator: feed it bytes, resize it, and read back
// formatted contents plus cursor position. vt10x.Terminal does the
// actual VT100 state tracking; emulator narrows that down to what the
// frontend repaint loop uses.
type emulator interface {
	process(b []byte)
	setSize(rows, cols int)
	contentsFormatted() []byte
	cursorPosition() (row, col int)
}

type vtEmulator struct {
	vt vt10x.Terminal
}

func newEmulator(rows, cols int) *vtEmulator {
	return &vtEmulator{vt: vt10x.New(vt10x.WithSize(cols, rows))}
}

func (e *vtEmulator) process(b []byte) {
	e.vt.Write(b)
}

func (e *vtEmulator) setSize(rows, cols int) {
	e.vt.Resize(cols, rows)
}

// contentsFormatted renders the emulator's current cell grid as
// SGR-coloured text with a carriage-return/newline between rows (none
// after the last row), followed by an SGR reset.
func (e *vtEmulator) contentsFormatted() []byte {
	cols, rows := e.vt.Size()
	var buf bytes.Buffer
	var lastFG, lastBG vt10x.Color = vt10x.DefaultFG, vt10x.DefaultBG
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			g := e.vt.Cell(x, y)
			if g.FG != lastFG || g.BG != lastBG {
				fmt.Fprintf(&buf, "\x1b[0;%d;%dm", 30+int(g.FG%8), 40+int(g.BG%8))
				lastFG, lastBG = g.FG, g.BG
			}
			if g.Char == 0 {
				buf.WriteByte(' ')
			} else {
				buf.WriteRune(g.Char)
			}
		}
		if y < rows-1 {
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\x1b[0m")
	return buf.Bytes()
}

func (e *vtEmulator) cursorPosition() (row, col int) {
	c := e.vt.Cursor()
	return c.Y, c.X
}
