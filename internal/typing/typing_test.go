package typing

import (
	"sync"
	"testing"
	"time"
)

type recordingEmitter struct {
	mu     sync.Mutex
	states []bool
}

func (r *recordingEmitter) Emit(_ string, payload any) error {
	p := payload.(typingPayload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, p.IsTyping)
	return nil
}

func (r *recordingEmitter) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.states))
	copy(out, r.states)
	return out
}

func waitForStates(t *testing.T, r *recordingEmitter, want []bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) == len(want) {
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("states = %v, want %v", got, want)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirstKeystrokeEmitsImmediately(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", 50*time.Millisecond, r, nil)

	n.Input()
	if got := r.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("states = %v, want [true]", got)
	}
}

func TestBurstCollapsesToOnePair(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", 50*time.Millisecond, r, nil)

	n.Input()
	n.Input()
	n.Input()
	waitForStates(t, r, []bool{true, false})
}

func TestContinuedInputDefersTrailingFalse(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", 80*time.Millisecond, r, nil)

	n.Input()
	time.Sleep(40 * time.Millisecond)
	n.Input()
	time.Sleep(40 * time.Millisecond)

	// The second keystroke pushed the quiet deadline out, so only the
	// initial true has been emitted.
	if got := r.snapshot(); len(got) != 1 {
		t.Fatalf("states = %v, want just the initial true", got)
	}
	waitForStates(t, r, []bool{true, false})
}

func TestNewBurstAfterQuietEmitsAgain(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", 30*time.Millisecond, r, nil)

	n.Input()
	waitForStates(t, r, []bool{true, false})
	n.Input()
	waitForStates(t, r, []bool{true, false, true, false})
}

func TestStopAlwaysEmitsFinalFalse(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", time.Minute, r, nil)

	n.Input()
	n.Stop()
	waitForStates(t, r, []bool{true, false})

	n.Input() // sealed
	n.Stop()  // repeated stop is harmless
	time.Sleep(20 * time.Millisecond)
	if got := r.snapshot(); len(got) != 2 {
		t.Fatalf("states after seal = %v, want unchanged", got)
	}
}

func TestStopWithoutInputStillEmitsFalse(t *testing.T) {
	r := &recordingEmitter{}
	n := New("chat-1", "alice", time.Minute, r, nil)

	n.Stop()
	waitForStates(t, r, []bool{false})
}
