package server

import "os"

// backendInputKind enumerates what a router can feed into an active
// backend.
type backendInputKind int

const (
	inputData backendInputKind = iota
	inputContinue
	inputStop
	inputWinch
	inputEnd
)

// backendInput is one item on a backend's input queue. Not every backend
// honours every kind: portfwd ignores Continue/Stop/Winch.
type backendInput struct {
	kind backendInputKind
	data []byte
	cols uint16
	rows uint16
}

// backendOutputKind enumerates what a backend can hand back to its router.
type backendOutputKind int

const (
	outputData backendOutputKind = iota
	outputDied
	outputClosed
)

// backendOutput is one item on a backend's output queue. A shell backend
// never emits Closed; a portfwd backend never emits Died. err is set on
// a Closed event only when the backend connection failed outright
// rather than reaching a clean EOF.
type backendOutput struct {
	kind backendOutputKind
	data []byte
	exit uint8
	err  error
}

// backend is the handle a router holds on an active session's worker:
// a pair of queues, modeled as Go channels.
type backend struct {
	input  chan backendInput
	output chan backendOutput

	// ptyMaster is set only by startShellBackend; tests use it to
	// observe winsize changes directly instead of through the wire.
	ptyMaster *os.File
}
