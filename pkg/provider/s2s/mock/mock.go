// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to feed upstream events (via Emit) and inspect which control
// methods the relay invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventResponseCreated})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Every control method
// is recorded by name in Calls; audio, responses, and session updates are also
// captured with their arguments.
type Session struct {
	mu sync.Mutex

	events    chan s2s.Event
	done      chan struct{}
	emitMu    sync.RWMutex
	closeOnce sync.Once

	// --- Configurable errors ---

	// WriteErr, if non-nil, is returned by every write method.
	WriteErr error

	// TerminalErr is reported by Err once the session is closed.
	TerminalErr error

	// --- Call records ---

	// Calls lists control method names in invocation order, e.g. "Commit".
	Calls []string

	// Appended holds copies of every AppendAudio chunk.
	Appended [][]byte

	// Responses holds the options of every CreateResponse call.
	Responses []s2s.ResponseOptions

	// Updates holds every UpdateSession config.
	Updates []s2s.SessionConfig

	// Texts holds every SendText message.
	Texts []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// changed is signalled (non-blocking) after each recorded call.
	changed chan struct{}
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events:  make(chan s2s.Event, 256),
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Emit delivers evt to the consumer of Events. Events emitted after Close or
// Disconnect are discarded.
func (s *Session) Emit(evt s2s.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.emitMu.Lock()
		close(s.events)
		s.emitMu.Unlock()
	})
}

// Disconnect simulates the upstream dropping the connection: the event channel
// is closed and Err reports err.
func (s *Session) Disconnect(err error) {
	s.mu.Lock()
	s.TerminalErr = err
	s.mu.Unlock()
	s.shutdown()
}

// Changed returns a channel that receives after every recorded call. Tests use
// it to wait for the relay without sleeping.
func (s *Session) Changed() <-chan struct{} { return s.changed }

func (s *Session) record(name string) error {
	s.Calls = append(s.Calls, name)
	select {
	case s.changed <- struct{}{}:
	default:
	}
	return s.WriteErr
}

// CallCount returns how many times the named method was called. Thread-safe.
func (s *Session) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// CallLog returns a copy of Calls. Thread-safe.
func (s *Session) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	copy(out, s.Calls)
	return out
}

// AppendedBytes returns the total number of bytes appended. Thread-safe.
func (s *Session) AppendedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Appended {
		n += len(c)
	}
	return n
}

// ResponseLog returns a copy of Responses. Thread-safe.
func (s *Session) ResponseLog() []s2s.ResponseOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.ResponseOptions, len(s.Responses))
	copy(out, s.Responses)
	return out
}

// UpdateLog returns a copy of Updates. Thread-safe.
func (s *Session) UpdateLog() []s2s.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.SessionConfig, len(s.Updates))
	copy(out, s.Updates)
	return out
}

// AppendAudio records a copy of chunk.
func (s *Session) AppendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Appended = append(s.Appended, cp)
	return s.record("AppendAudio")
}

// Commit records the call.
func (s *Session) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("Commit")
}

// ClearInput records the call.
func (s *Session) ClearInput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("ClearInput")
}

// Cancel records the call.
func (s *Session) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("Cancel")
}

// ClearOutput records the call.
func (s *Session) ClearOutput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("ClearOutput")
}

// CreateResponse records opts.
func (s *Session) CreateResponse(_ context.Context, opts s2s.ResponseOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, opts)
	return s.record("CreateResponse")
}

// UpdateSession records cfg.
func (s *Session) UpdateSession(_ context.Context, cfg s2s.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updates = append(s.Updates, cfg)
	return s.record("UpdateSession")
}

// SendText records text.
func (s *Session) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	return s.record("SendText")
}

// Events returns the event channel fed by Emit.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns TerminalErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TerminalErr
}

// Close records the call and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.shutdown()
	return nil
}

// Closed reports whether Close was called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
