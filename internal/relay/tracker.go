package relay

import (
	"context"
	"sync"
)

// tracked is the part of a live connection the tracker can reach.
type tracked interface {
	// Warn tells the client the server is about to shut down.
	Warn(message string)
	// Shutdown ends the connection.
	Shutdown()
}

// Tracker keeps the set of live connections so the server can warn and end
// them all on shutdown and wait until they have finished tearing down.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	conn tracked
	once sync.Once
}

// NewTracker returns an empty [Tracker].
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*trackedConn)}
}

// Register adds a connection under its session id. The returned function
// removes it again and must be called once the connection has ended.
func (t *Tracker) Register(sessionID string, c tracked) (unregister func()) {
	entry := &trackedConn{conn: c}

	t.mu.Lock()
	old := t.conns[sessionID]
	t.conns[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedConn) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns[sessionID] == entry {
			delete(t.conns, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live connections.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) snapshot() []tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tracked, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e.conn)
	}
	return out
}

// WarnAll sends a shutdown notice to every live connection and returns how
// many were warned.
func (t *Tracker) WarnAll(message string) int {
	conns := t.snapshot()
	for _, c := range conns {
		c.Warn(message)
	}
	return len(conns)
}

// CancelAll ends every live connection and returns how many were ended.
func (t *Tracker) CancelAll() int {
	conns := t.snapshot()
	for _, c := range conns {
		c.Shutdown()
	}
	return len(conns)
}

// Wait blocks until every registered connection has unregistered or ctx is
// done. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
