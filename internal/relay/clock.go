package relay

import "time"

// Clock abstracts time for the connection supervisor so tests can drive
// timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable one-shot timer.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type timerKind int

const (
	// timerInactivity ends an utterance when the client stops sending audio.
	timerInactivity timerKind = iota
	// timerResponse delays response.create after a commit.
	timerResponse
	// timerFlush releases the assistant turn when no end-of-audio arrives.
	timerFlush
	// timerBargeIn aborts a barge-in that did not confirm in time.
	timerBargeIn
	// timerUsage drives ticker-mode accounting.
	timerUsage
	numTimers
)

func (k timerKind) String() string {
	return [...]string{"inactivity", "response", "flush", "barge_in", "usage"}[k]
}

// timerFire is delivered to the supervisor when a timer expires. gen ties it
// to one arming so a fire that raced with stop or re-arm is ignored.
type timerFire struct {
	kind timerKind
	gen  uint64
}

// timers owns the supervisor's one-shot timers. Only the supervisor
// goroutine calls its methods; fires are delivered through deliver.
type timers struct {
	clock   Clock
	deliver func(timerFire)

	handles [numTimers]Timer
	gens    [numTimers]uint64
}

func newTimers(clock Clock, deliver func(timerFire)) *timers {
	return &timers{clock: clock, deliver: deliver}
}

// arm (re)starts the timer of kind k.
func (t *timers) arm(k timerKind, d time.Duration) {
	t.stop(k)
	gen := t.gens[k]
	t.handles[k] = t.clock.AfterFunc(d, func() {
		t.deliver(timerFire{kind: k, gen: gen})
	})
}

// stop cancels the timer of kind k and invalidates any fire in flight.
func (t *timers) stop(k timerKind) {
	if h := t.handles[k]; h != nil {
		h.Stop()
		t.handles[k] = nil
	}
	t.gens[k]++
}

func (t *timers) armed(k timerKind) bool { return t.handles[k] != nil }

// accept reports whether f belongs to the current arming and consumes it.
func (t *timers) accept(f timerFire) bool {
	if f.gen != t.gens[f.kind] || t.handles[f.kind] == nil {
		return false
	}
	t.handles[f.kind] = nil
	t.gens[f.kind]++
	return true
}

func (t *timers) stopAll() {
	for k := range numTimers {
		t.stop(k)
	}
}
