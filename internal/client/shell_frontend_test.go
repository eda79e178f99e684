package client

import (
	"testing"
	"time"
)

// expectInput reads the next FrontendInput off in and fails the test if
// it doesn't arrive with the expected kind within a second.
func expectInput(t *testing.T, in <-chan FrontendInput, want FrontendInputKind) FrontendInput {
	t.Helper()
	select {
	case got := <-in:
		if got.Kind != want {
			t.Fatalf("got input kind %v, want %v", got.Kind, want)
		}
		return got
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for input kind %v", want)
		return FrontendInput{}
	}
}

// TestHandleKeystrokesMenuConfirmationUsesKeysChannel is a regression
// test for the menu confirmation race: the confirmation keystroke must
// be read from the same keys channel the background reader feeds, not
// from a second direct stdin read, or runMenu deadlocks waiting for a
// byte that the background reader already consumed.
func TestHandleKeystrokesMenuConfirmationUsesKeysChannel(t *testing.T) {
	tun := &Tunnel{Input: make(chan FrontendInput, 16)}
	keys := make(chan []byte, 1)
	chunk := []byte{'a', menuTrigger, 'b'}

	done := make(chan struct{})
	go func() {
		handleKeystrokes(tun, keys, chunk)
		close(done)
	}()

	expectInput(t, tun.Input, InputData)
	expectInput(t, tun.Input, InputStop)

	// The confirmation keystroke arrives on the same channel as ordinary
	// input, exactly as the background reader would deliver it.
	keys <- []byte("q")

	expectInput(t, tun.Input, InputEnd)
	expectInput(t, tun.Input, InputContinue)
	if got := expectInput(t, tun.Input, InputData); string(got.Data) != "b" {
		t.Errorf("trailing data = %q, want %q", got.Data, "b")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleKeystrokes did not return")
	}
}

func TestHandleKeystrokesMenuCancelSendsNoEnd(t *testing.T) {
	tun := &Tunnel{Input: make(chan FrontendInput, 16)}
	keys := make(chan []byte, 1)
	chunk := []byte{menuTrigger}

	done := make(chan struct{})
	go func() {
		handleKeystrokes(tun, keys, chunk)
		close(done)
	}()

	expectInput(t, tun.Input, InputStop)
	keys <- []byte{0x1B}
	expectInput(t, tun.Input, InputContinue)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleKeystrokes did not return")
	}
}
