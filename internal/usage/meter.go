package usage

import "time"

// precision is the resolution at which the meter bills speech time.
const precision = time.Millisecond

// DefaultTickInterval is the ticker-mode billing unit.
const DefaultTickInterval = time.Second

// Sink receives every increment a [Meter] produces. [Recorder] is the
// production implementation. Record must not block.
type Sink interface {
	Record(inc Increment) bool
}

// MeterConfig configures a [Meter].
type MeterConfig struct {
	UserID    string
	SessionID string

	// Mode defaults to [ModeTicker].
	Mode Mode

	// Used is the usage already accumulated before this connection.
	Used   Totals
	Limits Limits

	// TickInterval is the amount billed per tick in ticker mode.
	// Default: [DefaultTickInterval].
	TickInterval time.Duration

	// Sink may be nil, in which case increments are only counted in memory.
	Sink Sink
}

// Meter holds the authoritative usage counters of one session while a
// connection owns it. It is not safe for concurrent use: the owning
// connection calls it from a single goroutine.
type Meter struct {
	userID    string
	sessionID string
	mode      Mode
	tick      time.Duration
	sink      Sink

	used   Totals
	limits Limits
	over   bool
	scope  Scope

	active    bool
	start     time.Time
	mark      time.Time
	finalized bool
}

// NewMeter creates a [Meter] from cfg.
func NewMeter(cfg MeterConfig) *Meter {
	if !cfg.Mode.IsValid() {
		cfg.Mode = ModeTicker
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	m := &Meter{
		userID:    cfg.UserID,
		sessionID: cfg.SessionID,
		mode:      cfg.Mode,
		tick:      cfg.TickInterval,
		sink:      cfg.Sink,
		used:      cfg.Used,
		limits:    cfg.Limits,
	}
	m.scope, m.over = m.limits.Exceeded(m.used)
	return m
}

// Mode returns the meter's accounting mode.
func (m *Meter) Mode() Mode { return m.mode }

// TickInterval returns the interval at which the owner should call [Meter.Tick].
func (m *Meter) TickInterval() time.Duration { return m.tick }

// Active reports whether a speech span is currently being metered.
func (m *Meter) Active() bool { return m.active }

// OverLimit reports whether either limit has been reached.
func (m *Meter) OverLimit() bool { return m.over }

// OnAudioStart opens a speech span at now. It is a no-op when a span is
// already open, the session is over its limit, or the meter is finalized.
// It reports whether a span was opened.
func (m *Meter) OnAudioStart(now time.Time) bool {
	if m.active || m.over || m.finalized {
		return false
	}
	m.active = true
	m.start = now
	m.mark = now
	return true
}

// Tick bills one tick interval of the open span. Only ticker mode bills on
// ticks. A tick that arrives early bills only the time actually elapsed, so
// ticks never run ahead of the wall clock.
func (m *Meter) Tick(now time.Time) Report {
	if !m.active || m.mode != ModeTicker {
		return m.report(0)
	}
	d := now.Sub(m.mark)
	if d > m.tick {
		d = m.tick
	}
	d = d.Round(precision)
	if d <= 0 {
		return m.report(0)
	}
	m.mark = m.mark.Add(d)
	return m.report(m.bill(now, d))
}

// OnStop closes the open span at now and bills whatever the ticks have not
// yet covered: the remainder since the last tick in ticker mode, the whole
// span in commit mode.
func (m *Meter) OnStop(now time.Time) Report {
	if !m.active {
		return m.report(0)
	}
	from := m.mark
	if m.mode == ModeCommit {
		from = m.start
	}
	m.active = false
	d := now.Sub(from).Round(precision)
	if d <= 0 {
		return m.report(0)
	}
	return m.report(m.bill(now, d))
}

// Finalize closes any open span like [Meter.OnStop] and freezes the meter.
// Later calls to OnAudioStart are ignored.
func (m *Meter) Finalize(now time.Time) Report {
	r := m.OnStop(now)
	m.finalized = true
	return r
}

// SetLimits replaces the session's limits. When the new limits put the
// session over quota while a span is open, that span is billed up to now
// and closed. Raising the limits clears the over-limit state.
func (m *Meter) SetLimits(now time.Time, l Limits) Report {
	m.limits = l
	scope, over := l.Exceeded(m.used)
	var delta float64
	if over && m.active {
		r := m.OnStop(now)
		delta = r.Delta
		scope, over = m.limits.Exceeded(m.used)
	}
	m.scope, m.over = scope, over
	return m.report(delta)
}

// Report returns the current state without changing it.
func (m *Meter) Report() Report { return m.report(0) }

// bill adds d to the counters, hands the increment to the sink and closes
// the span when a limit is reached. It returns the minutes added.
func (m *Meter) bill(now time.Time, d time.Duration) float64 {
	minutes := float64(d.Milliseconds()) / 60000
	m.used = m.used.Add(minutes)
	if m.sink != nil {
		m.sink.Record(Increment{
			UserID:    m.userID,
			SessionID: m.sessionID,
			At:        now,
			Minutes:   minutes,
		})
	}
	if scope, over := m.limits.Exceeded(m.used); over {
		m.over, m.scope = true, scope
		m.active = false
	}
	return minutes
}

func (m *Meter) report(delta float64) Report {
	r := Report{
		Used:      m.used,
		Limits:    m.limits,
		OverLimit: m.over,
		Delta:     delta,
	}
	if m.over {
		r.Scope = m.scope
	}
	return r
}
