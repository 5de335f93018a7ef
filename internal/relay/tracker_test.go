package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTracked struct {
	mu       sync.Mutex
	warnings []string
	shutdown int
}

func (f *fakeTracked) Warn(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, message)
}

func (f *fakeTracked) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
}

// ── TestTracker ──

func TestTracker_WarnAndCancel(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	a, b := &fakeTracked{}, &fakeTracked{}
	unA := tr.Register("a", a)
	unB := tr.Register("b", b)

	if n := tr.WarnAll("bye"); n != 2 {
		t.Fatalf("WarnAll = %d, want 2", n)
	}
	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("CancelAll = %d, want 2", n)
	}
	for name, f := range map[string]*fakeTracked{"a": a, "b": b} {
		if len(f.warnings) != 1 || f.warnings[0] != "bye" {
			t.Errorf("%s warnings = %v", name, f.warnings)
		}
		if f.shutdown != 1 {
			t.Errorf("%s shutdown = %d, want 1", name, f.shutdown)
		}
	}

	unA()
	unA()
	if tr.Count() != 1 {
		t.Errorf("Count = %d, want 1", tr.Count())
	}
	unB()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Error("Wait did not return after every connection unregistered")
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	unregister := tr.Register("a", &fakeTracked{})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Error("Wait reported success with a live connection")
	}
}

func TestTracker_ReplacedRegistration(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	first := tr.Register("a", &fakeTracked{})
	second := tr.Register("a", &fakeTracked{})

	// The replaced registration no longer counts; its unregister is a no-op.
	first()
	if tr.Count() != 1 {
		t.Fatalf("Count = %d, want 1", tr.Count())
	}
	second()
	if tr.Count() != 0 {
		t.Errorf("Count = %d, want 0", tr.Count())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Error("Wait blocked after both registrations ended")
	}
}
