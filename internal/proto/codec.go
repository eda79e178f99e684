package proto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownTag is returned when a frame's discriminant byte does not
// match any known Kind.
var ErrUnknownTag = errors.New("proto: unknown message tag")

// ErrMalformed is returned when a frame's payload does not decode into
// the shape its discriminant promises.
var ErrMalformed = errors.New("proto: malformed payload")

var cborMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode produces one self-contained frame: a discriminant byte followed
// by the CBOR-encoded payload. The discriminant is the frozen ordinal
// from §6.1 and is stable across encoder implementations.
func Encode(m Message) ([]byte, error) {
	payload, err := cborMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s payload: %w", m.Kind(), err)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(m.Kind()))
	out = append(out, payload...)
	return out, nil
}

// Decode parses one frame produced by Encode. An empty frame or an
// out-of-range discriminant is ErrUnknownTag; a discriminant whose
// payload doesn't match its shape is ErrMalformed.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrUnknownTag
	}
	kind := Kind(frame[0])
	payload := frame[1:]

	var m Message
	switch kind {
	case KindAuthenticate:
		m = new(Authenticate)
	case KindAuthentication:
		m = new(Authentication)
	case KindChildDeath:
		m = new(ChildDeath)
	case KindConnectionType:
		m = new(ConnectionType)
	case KindEndSession:
		m = new(EndSession)
	case KindError:
		m = new(Error)
	case KindHello:
		m = new(Hello)
	case KindSignalContinue:
		m = new(SignalContinue)
	case KindSignalStop:
		m = new(SignalStop)
	case KindSignalWinch:
		m = new(SignalWinch)
	case KindSocketClose:
		m = new(SocketClose)
	case KindSocketInput:
		m = new(SocketInput)
	case KindSocketOutput:
		m = new(SocketOutput)
	case KindTerminalInput:
		m = new(TerminalInput)
	case KindTerminalOutput:
		m = new(TerminalOutput)
	default:
		return nil, ErrUnknownTag
	}

	if err := cbor.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Unmarshal into a pointer; return the dereferenced value so callers
	// get the same concrete type Encode would have taken.
	switch v := m.(type) {
	case *Authenticate:
		return *v, nil
	case *Authentication:
		return *v, nil
	case *ChildDeath:
		return *v, nil
	case *ConnectionType:
		return *v, nil
	case *EndSession:
		return *v, nil
	case *Error:
		return *v, nil
	case *Hello:
		return *v, nil
	case *SignalContinue:
		return *v, nil
	case *SignalStop:
		return *v, nil
	case *SignalWinch:
		return *v, nil
	case *SocketClose:
		return *v, nil
	case *SocketInput:
		return *v, nil
	case *SocketOutput:
		return *v, nil
	case *TerminalInput:
		return *v, nil
	case *TerminalOutput:
		return *v, nil
	default:
		return nil, ErrUnknownTag
	}
}
