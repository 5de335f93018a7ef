package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/audio"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// Config tunes relay connections. A connection copies it when it starts, so
// a new Config only affects later connections.
type Config struct {
	ArbiterConfig

	// BargeIn lets user speech interrupt assistant audio.
	BargeIn bool
	// ServerVAD leaves commits and response requests to the upstream.
	ServerVAD bool

	// MinCommitBytes is the smallest input buffer, at the upstream rate,
	// that is committed rather than cleared.
	MinCommitBytes int
	ResponseDelay  time.Duration

	FlushGrace        time.Duration
	ContinuationGrace time.Duration

	ClientSampleRate   int
	UpstreamSampleRate int
	TranscriptionModel string

	OutboundQueue int
	PingInterval  time.Duration
	WriteTimeout  time.Duration

	// UsageTick is the ticker-mode billing interval.
	UsageTick time.Duration

	CompletionDisabled bool
	ShortWords         int
	// MaxContinuations caps continuation requests per assistant turn.
	MaxContinuations   int
	Connectors         []string
	ContinuationPrompt string

	// Scenarios maps scenario names to role-play briefs.
	Scenarios map[string]string
}

// DefaultConfig returns the built-in relay tuning.
func DefaultConfig() Config {
	return Config{
		ArbiterConfig: ArbiterConfig{
			SpeechThreshold:  0.02,
			SilenceThreshold: 0.01,
			BargeInThreshold: 0.06,
			SilenceHang:      1400 * time.Millisecond,
			MinSpeech:        300 * time.Millisecond,
			BargeInFloor:     250 * time.Millisecond,
			BargeInWindow:    700 * time.Millisecond,
		},
		BargeIn:            true,
		MinCommitBytes:     4800,
		FlushGrace:         600 * time.Millisecond,
		ContinuationGrace:  3 * time.Second,
		ClientSampleRate:   24000,
		UpstreamSampleRate: 24000,
		OutboundQueue:      256,
		PingInterval:       20 * time.Second,
		WriteTimeout:       5 * time.Second,
		UsageTick:          usage.DefaultTickInterval,
		ShortWords:         6,
		MaxContinuations:   1,
		ContinuationPrompt: "Finish the sentence you were saying. Do not restart or repeat what you already said.",
	}
}

type clientFrame struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one client connection bridged to one upstream session. A single
// supervisor goroutine owns the turn state, the timers and the usage meter;
// the client reader, the upstream handle and the timers feed it over
// channels, and a writer goroutine owns writes to the client.
//
// Conn implements [session.Owner] so the registry can read its usage, push
// new limits and end it.
type Conn struct {
	cfg      Config
	client   clientConn
	upstream s2s.SessionHandle
	clock    Clock
	metrics  *observe.Metrics
	log      *slog.Logger
	release  func()

	sess       session.Session
	prefs      session.Preferences
	meter      *usage.Meter
	translator Translator
	input      *inputBuffer
	arbiter    *Arbiter
	completion *Completion
	clientFmt  audio.Format
	writer     *writer
	timers     *timers

	// Supervisor state.
	state         TurnState
	held          [][]byte
	limitNotified bool
	audioDone     bool
	checkPassed   bool
	awaitingMore  bool
	continueNext  bool
	responseOpen  bool
	continuations int
	stopped       bool

	stateView atomic.Int32
	inbox     chan clientFrame
	fires     chan timerFire
	limits    chan usage.Limits
	limitsMu  sync.Mutex
	done      chan struct{}

	usageMu  sync.Mutex
	usageNow usage.Totals
	usageSet bool

	endMu       sync.Mutex
	cancel      context.CancelFunc
	ended       bool
	closeCode   websocket.StatusCode
	closeReason string

	teardownOnce sync.Once
}

var _ session.Owner = (*Conn)(nil)

// newConn prepares a connection for client. It is completed by bind once the
// session has been claimed.
func newConn(client clientConn, cfg Config, clock Clock, metrics *observe.Metrics) *Conn {
	if clock == nil {
		clock = realClock{}
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	c := &Conn{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		metrics: metrics,
		log:     slog.Default(),
		inbox:   make(chan clientFrame, 64),
		fires:   make(chan timerFire, 16),
		limits:  make(chan usage.Limits, 1),
		done:    make(chan struct{}),
	}
	c.writer = newWriter(client, cfg.OutboundQueue, cfg.PingInterval, cfg.WriteTimeout)
	c.timers = newTimers(clock, func(f timerFire) {
		select {
		case c.fires <- f:
		case <-c.done:
		}
	})
	return c
}

// bind attaches the claimed session and builds the per-session machinery.
func (c *Conn) bind(sess session.Session, sink usage.Sink) {
	c.sess = sess
	c.prefs = sess.Preferences
	c.log = c.log.With("session_id", sess.ID, "user_id", sess.UserID)
	c.meter = usage.NewMeter(usage.MeterConfig{
		UserID:       sess.UserID,
		SessionID:    sess.ID,
		Mode:         sess.AccountingMode,
		Used:         sess.Usage,
		Limits:       sess.Limits,
		TickInterval: c.cfg.UsageTick,
		Sink:         sink,
	})
	c.clientFmt = audio.Format{SampleRate: c.cfg.ClientSampleRate}
	c.input = newInputBuffer(c.clientFmt, audio.Format{SampleRate: c.cfg.UpstreamSampleRate}, c.cfg.MinCommitBytes)
	c.arbiter = NewArbiter(c.cfg.ArbiterConfig)
	c.completion = NewCompletion(c.cfg.ShortWords, c.cfg.Connectors)
	c.setUsage(sess.Usage)
}

// sessionConfig is the upstream configuration for the current preferences.
func (c *Conn) sessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:              c.prefs.Voice,
		Instructions:       BuildInstructions(c.prefs, c.cfg.Scenarios),
		ServerVAD:          c.cfg.ServerVAD,
		TranscriptionModel: c.cfg.TranscriptionModel,
	}
}

// State returns the current turn state. It is safe to call from any goroutine.
func (c *Conn) State() TurnState { return TurnState(c.stateView.Load()) }

// Usage implements [session.Owner].
func (c *Conn) Usage() (usage.Totals, bool) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return c.usageNow, c.usageSet
}

// UpdateLimits implements [session.Owner]. Only the latest limits are kept
// when the supervisor has not caught up yet.
func (c *Conn) UpdateLimits(l usage.Limits) {
	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()
	select {
	case <-c.limits:
	default:
	}
	c.limits <- l
}

// Close implements [session.Owner].
func (c *Conn) Close(reason string) {
	c.end(websocket.StatusGoingAway, reason)
}

// Warn tells the client the server is shutting down.
func (c *Conn) Warn(message string) {
	data, err := json.Marshal(errorMessage{Type: MsgShutdown, Code: "shutting_down", Message: message})
	if err != nil {
		return
	}
	select {
	case c.writer.priority <- outboundFrame{typ: websocket.MessageText, data: data}:
	default:
	}
}

// Shutdown ends the connection because the server is stopping.
func (c *Conn) Shutdown() {
	c.end(websocket.StatusGoingAway, "server shutting down")
}

func (c *Conn) end(code websocket.StatusCode, reason string) {
	c.endMu.Lock()
	c.setCloseLocked(code, reason)
	c.ended = true
	cancel := c.cancel
	c.endMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Conn) setClose(code websocket.StatusCode, reason string) {
	c.endMu.Lock()
	c.setCloseLocked(code, reason)
	c.endMu.Unlock()
}

func (c *Conn) setCloseLocked(code websocket.StatusCode, reason string) {
	if c.closeReason == "" {
		c.closeCode, c.closeReason = code, reason
	}
}

// closeStatus reports the close code and reason the client is (or will be)
// sent. It falls back to a normal closure when nothing more specific was set.
func (c *Conn) closeStatus() (websocket.StatusCode, string) {
	c.endMu.Lock()
	defer c.endMu.Unlock()
	if c.closeReason == "" {
		return websocket.StatusNormalClosure, "closed"
	}
	return c.closeCode, c.closeReason
}

func (c *Conn) setUsage(t usage.Totals) {
	c.usageMu.Lock()
	c.usageNow, c.usageSet = t, true
	c.usageMu.Unlock()
}

// Run serves the connection until the client stops or disconnects, the
// upstream drops, the session is deleted or ctx is cancelled. It always
// tears the connection down before returning.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.metrics.ActiveConnections.Add(ctx, 1)

	c.endMu.Lock()
	ended := c.ended
	c.cancel = cancel
	c.endMu.Unlock()
	if ended {
		c.finish()
		c.teardown()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readClient(gctx) })
	g.Go(func() error { return c.writer.run(gctx) })
	g.Go(func() error {
		defer cancel()
		return c.supervise(gctx)
	})
	err := g.Wait()
	c.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Conn) readClient(ctx context.Context) error {
	defer close(c.inbox)
	for {
		typ, data, err := c.client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.log.Debug("client read failed", "err", err)
			}
			return nil
		}
		select {
		case c.inbox <- clientFrame{typ: typ, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// supervise is the connection's event loop.
func (c *Conn) supervise(ctx context.Context) error {
	defer c.finish()
	c.start(ctx)

	events := c.upstream.Events()
	for !c.stopped {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.inbox:
			if !ok {
				c.setClose(websocket.StatusNormalClosure, "client disconnected")
				return nil
			}
			c.handleClient(ctx, f)
		case evt, ok := <-events:
			if !ok {
				c.setClose(websocket.StatusTryAgainLater, "upstream disconnected")
				if err := c.upstream.Err(); err != nil {
					return fmt.Errorf("relay: upstream disconnected: %w", err)
				}
				return nil
			}
			c.handleUpstream(ctx, evt)
		case f := <-c.fires:
			c.handleTimer(ctx, f)
		case l := <-c.limits:
			c.applyLimits(ctx, l)
		}
	}
	return nil
}

// start greets the client with the negotiated settings and the usage so far.
func (c *Conn) start(ctx context.Context) {
	c.send(ctx, helloMessage{
		Type:           MsgHello,
		SessionID:      c.sess.ID,
		AccountingMode: c.meter.Mode(),
		ServerVAD:      c.cfg.ServerVAD,
		BargeIn:        c.cfg.BargeIn,
		SampleRate:     c.cfg.ClientSampleRate,
	})
	r := c.meter.Report()
	c.send(ctx, newUsageMessage(r))
	if r.OverLimit {
		c.onOverLimit(ctx, r)
	}
}

// finish runs on the supervisor goroutine as it exits: the open speech span
// is billed and every timer stopped.
func (c *Conn) finish() {
	r := c.meter.Finalize(c.clock.Now())
	c.setUsage(r.Used)
	if r.Delta > 0 {
		if data, err := json.Marshal(newUsageMessage(r)); err == nil {
			select {
			case c.writer.priority <- outboundFrame{typ: websocket.MessageText, data: data}:
			default:
			}
		}
	}
	c.timers.stopAll()
	c.to(evClose)
}

// teardown releases every resource exactly once, in order: upstream, client,
// session, gauges.
func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		close(c.done)
		if c.upstream != nil {
			if err := c.upstream.Close(); err != nil {
				c.log.Debug("upstream close failed", "err", err)
			}
		}
		code, reason := c.closeStatus()
		_ = c.client.Close(code, reason)
		if c.release != nil {
			c.release()
		}
		c.metrics.ActiveConnections.Add(context.Background(), -1)

		used, _ := c.Usage()
		c.log.Info("relay connection closed",
			"reason", reason,
			"daily_minutes", used.DailyMinutes,
			"monthly_minutes", used.MonthlyMinutes,
		)
	})
}

// ── client side ──

func (c *Conn) handleClient(ctx context.Context, f clientFrame) {
	switch f.typ {
	case websocket.MessageBinary:
		c.metrics.RecordFrame(ctx, observe.DirectionInbound, "audio")
		c.handleAudio(ctx, f.data)
	case websocket.MessageText:
		c.metrics.RecordFrame(ctx, observe.DirectionInbound, "control")
		var msg ClientMessage
		if err := json.Unmarshal(f.data, &msg); err != nil {
			c.sendError(ctx, "bad_message", "message is not valid JSON")
			return
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *Conn) handleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgSpeechStart:
		if c.state != StateIdle && c.state != StateCommitted {
			return
		}
		if c.meter.OverLimit() {
			c.sendError(ctx, "limit_reached", "usage limit reached")
			return
		}
		c.to(evSpeech)
		c.openUtterance(ctx, c.clock.Now())
		c.timers.arm(timerInactivity, c.cfg.SilenceHang)

	case MsgSpeechStop:
		if c.state == StateUserSpeaking {
			c.commitTurn(ctx, "client")
		}

	case MsgPreferencesUpdate:
		c.prefs = c.prefs.Apply(msg.PreferencesPatch)
		if err := c.upstream.UpdateSession(ctx, c.sessionConfig()); err != nil {
			c.log.Warn("failed to update upstream session", "err", err)
			c.sendError(ctx, "upstream_error", "could not apply preferences")
		}

	case MsgText:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			c.sendError(ctx, "bad_message", "text must not be empty")
			return
		}
		if c.meter.OverLimit() {
			c.sendError(ctx, "limit_reached", "usage limit reached")
			return
		}
		if err := c.upstream.SendText(ctx, text); err != nil {
			c.log.Warn("failed to send text upstream", "err", err)
			return
		}
		if err := c.upstream.CreateResponse(ctx, s2s.ResponseOptions{}); err != nil {
			c.log.Warn("failed to request response", "err", err)
			return
		}
		c.metrics.RecordTurn(ctx, "text")

	case MsgDebug:
		c.log.Info("client debug report", "tag", msg.Tag, "data", string(msg.Data))

	case MsgStop:
		c.stop(ctx)

	default:
		c.sendError(ctx, "unknown_message", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Conn) handleAudio(ctx context.Context, chunk []byte) {
	if c.stopped || len(chunk) == 0 {
		return
	}
	if c.meter.OverLimit() {
		c.metrics.RecordDrop(ctx, "over_limit")
		return
	}
	energy := audio.Energy(chunk)
	d := c.clientFmt.Duration(len(chunk))

	switch c.state {
	case StateIdle, StateCommitted:
		if !c.arbiter.IsSpeech(energy) {
			c.metrics.RecordDrop(ctx, "silence")
			return
		}
		c.to(evSpeech)
		c.openUtterance(ctx, c.clock.Now())
		c.forward(ctx, chunk)
		c.arbiter.Listen(energy, d)
		c.timers.arm(timerInactivity, c.cfg.SilenceHang)

	case StateUserSpeaking:
		c.forward(ctx, chunk)
		switch c.arbiter.Listen(energy, d) {
		case listenCommit:
			c.commitTurn(ctx, "silence")
		case listenDiscard:
			c.discardTurn(ctx)
		default:
			c.timers.arm(timerInactivity, c.cfg.SilenceHang)
		}

	case StateAssistantSpeaking, StateBargeInPending:
		if !c.cfg.BargeIn {
			c.metrics.RecordDrop(ctx, "assistant_speaking")
			return
		}
		c.bargeIn(ctx, chunk, energy, d)
	}
}

// openUtterance starts a fresh input buffer and the usage span of a user
// utterance whose speech began at start.
func (c *Conn) openUtterance(ctx context.Context, start time.Time) {
	c.timers.stop(timerResponse)
	if !c.cfg.ServerVAD {
		c.call(ctx, "clear input", c.upstream.ClearInput)
	}
	c.input.reset()
	c.arbiter.StartUtterance()
	if c.meter.OnAudioStart(start) && c.meter.Mode() == usage.ModeTicker {
		c.timers.arm(timerUsage, c.meter.TickInterval())
	}
}

func (c *Conn) forward(ctx context.Context, chunk []byte) {
	pcm := c.input.prepare(chunk)
	if len(pcm) == 0 {
		return
	}
	if err := c.upstream.AppendAudio(ctx, pcm); err != nil {
		c.metrics.RecordDrop(ctx, "upstream_write")
		c.log.Debug("failed to forward audio", "err", err)
	}
}

// closeUtterance ends the usage span and the timers of a user utterance.
func (c *Conn) closeUtterance(ctx context.Context) {
	c.timers.stop(timerInactivity)
	c.timers.stop(timerUsage)
	c.input.reset()
	c.reportUsage(ctx, c.meter.OnStop(c.clock.Now()))
}

func (c *Conn) commitTurn(ctx context.Context, reason string) {
	if !c.cfg.ServerVAD && !c.input.committable() {
		c.discardTurn(ctx)
		return
	}
	if !c.cfg.ServerVAD {
		c.call(ctx, "commit", c.upstream.Commit)
	}
	c.closeUtterance(ctx)
	if !c.to(evCommit) {
		// The usage report above ran into the limit and already ended the turn.
		return
	}
	c.metrics.RecordTurn(ctx, "commit")
	c.log.Debug("user turn committed", "reason", reason, "speech", c.arbiter.Speech())

	if c.cfg.ServerVAD {
		return
	}
	if c.cfg.ResponseDelay > 0 {
		c.timers.arm(timerResponse, c.cfg.ResponseDelay)
		return
	}
	c.requestResponse(ctx)
}

func (c *Conn) discardTurn(ctx context.Context) {
	if !c.cfg.ServerVAD {
		c.call(ctx, "clear input", c.upstream.ClearInput)
	}
	c.closeUtterance(ctx)
	if c.to(evDiscard) {
		c.metrics.RecordTurn(ctx, "discard")
	}
}

func (c *Conn) requestResponse(ctx context.Context) {
	if c.state != StateCommitted {
		return
	}
	if c.meter.OverLimit() {
		c.to(evResponseSkipped)
		return
	}
	if err := c.upstream.CreateResponse(ctx, s2s.ResponseOptions{}); err != nil {
		c.log.Warn("failed to request response", "err", err)
		c.to(evResponseSkipped)
	}
}

func (c *Conn) bargeIn(ctx context.Context, chunk []byte, energy float64, d time.Duration) {
	switch c.arbiter.BargeIn(energy, d) {
	case bargeNone:
		c.metrics.RecordDrop(ctx, "assistant_speaking")
	case bargeStart:
		c.to(evBargeInStart)
		c.held = append(c.held[:0], chunk)
		c.timers.arm(timerBargeIn, c.cfg.BargeInWindow)
	case bargeHold:
		c.held = append(c.held, chunk)
	case bargeConfirm:
		if c.state == StateAssistantSpeaking {
			c.to(evBargeInStart)
		}
		c.held = append(c.held, chunk)
		c.confirmBargeIn(ctx)
	case bargeAbort:
		c.metrics.RecordDrops(ctx, "barge_in_aborted", len(c.held)+1)
		c.abortBargeIn(ctx)
	}
}

// confirmBargeIn cancels the assistant's response and turns the audio that
// confirmed the interruption into the start of a new user utterance. The
// usage span starts where the held audio started.
func (c *Conn) confirmBargeIn(ctx context.Context) {
	held := c.held
	var heldDur time.Duration
	for _, chunk := range held {
		heldDur += c.clientFmt.Duration(len(chunk))
	}
	c.held = nil
	c.timers.stop(timerBargeIn)
	c.timers.stop(timerFlush)

	c.call(ctx, "cancel response", c.upstream.Cancel)
	c.call(ctx, "clear output", c.upstream.ClearOutput)
	c.translator.Suppress()
	c.metrics.RecordDrops(ctx, "barge_in", c.writer.discardAudio())
	c.send(ctx, noticeMessage{Type: MsgAssistantInterrupted})
	c.resetAssistantTurn()

	c.to(evBargeInConfirm)
	c.metrics.RecordTurn(ctx, "barge_in")
	c.log.Debug("barge-in confirmed")

	c.openUtterance(ctx, c.clock.Now().Add(-heldDur))
	for _, chunk := range held {
		c.forward(ctx, chunk)
		c.arbiter.Listen(audio.Energy(chunk), c.clientFmt.Duration(len(chunk)))
	}
	c.timers.arm(timerInactivity, c.cfg.SilenceHang)
}

func (c *Conn) abortBargeIn(ctx context.Context) {
	c.timers.stop(timerBargeIn)
	c.arbiter.CancelBargeIn()
	c.held = nil
	if c.to(evBargeInAbort) {
		c.metrics.RecordTurn(ctx, "barge_in_aborted")
	}
}

// stop ends the session at the client's request: usage is finalised and
// reported, and no more assistant audio is sent.
func (c *Conn) stop(ctx context.Context) {
	c.stopped = true
	c.timers.stopAll()
	r := c.meter.Finalize(c.clock.Now())
	c.setUsage(r.Used)
	c.send(ctx, newUsageMessage(r))
	c.metrics.RecordDrops(ctx, "stopped", c.writer.mute())
	c.setClose(websocket.StatusNormalClosure, "stopped")
	c.log.Info("client stopped session")
}

// ── upstream side ──

func (c *Conn) handleUpstream(ctx context.Context, evt s2s.Event) {
	out := c.translator.FromUpstream(evt)
	switch out.Kind {
	case OutNone:
	case OutDrop:
		c.metrics.RecordDrop(ctx, out.Reason)
		switch out.Reason {
		case DropCommitEmpty:
			c.log.Debug("upstream rejected empty commit", "message", out.Err.Message)
		case DropActiveResp:
			c.log.Debug("upstream rejected response request while one is active", "message", out.Err.Message, "cause", out.Err.Cause)
		}

	case OutAudio:
		if c.stopped || c.state == StateUserSpeaking {
			c.metrics.RecordDrop(ctx, "user_speaking")
			return
		}
		if !c.writer.audio(out.Audio) {
			c.metrics.RecordDrop(ctx, "backpressure")
			return
		}
		c.metrics.RecordFrame(ctx, observe.DirectionOutbound, "audio")

	case OutResponseStarted:
		c.timers.stop(timerFlush)
		continuation := c.awaitingMore
		c.audioDone, c.checkPassed, c.awaitingMore, c.continueNext = false, false, false, false
		c.responseOpen = true
		if c.state == StateUserSpeaking {
			c.closeUtterance(ctx)
		}
		c.timers.stop(timerResponse)
		c.to(evResponseStarted)
		if !continuation {
			c.continuations = 0
			c.send(ctx, noticeMessage{Type: MsgAssistantSpeaking})
		}

	case OutAudioDone:
		if !c.audioDone {
			c.audioDone = true
			c.onAudioDone(ctx)
		}
	case OutResponseDone:
		c.responseOpen = false
		if !c.audioDone {
			c.audioDone = true
			c.onAudioDone(ctx)
		}
		if c.continueNext {
			c.requestContinuation(ctx)
		}

	case OutTranscriptDelta:
		c.send(ctx, transcriptMessage{Type: MsgTranscript, Role: "assistant", Text: out.Text})
	case OutTranscriptFinal:
		c.send(ctx, transcriptMessage{Type: MsgTranscript, Role: "assistant", Text: out.Text, Final: true})
		c.checkCompletion(ctx, out.Text)
	case OutUserTranscript:
		c.send(ctx, transcriptMessage{Type: MsgTranscript, Role: "user", Text: out.Text, Final: true})

	case OutError:
		c.metrics.RecordUpstreamError(ctx, out.Err.Code)
		c.log.Warn("upstream error", "code", out.Err.Code, "message", out.Err.Message, "cause", out.Err.Cause)
		c.send(ctx, errorMessage{Type: MsgError, Code: "upstream_error", Message: out.Err.Message})

	case OutPassthrough:
		c.send(ctx, upstreamMessage{Type: MsgUpstream, Event: out.Raw})
	}
}

// onAudioDone handles the end of a response's audio. The turn ends at once
// when the transcript already read as complete; otherwise the flush timer
// gives the transcript, or a requested continuation, time to arrive.
func (c *Conn) onAudioDone(ctx context.Context) {
	if c.state != StateAssistantSpeaking && c.state != StateBargeInPending {
		return
	}
	switch {
	case c.awaitingMore:
		c.timers.arm(timerFlush, c.cfg.ContinuationGrace)
	case c.checkPassed:
		c.endAssistantTurn(ctx)
	default:
		c.timers.arm(timerFlush, c.cfg.FlushGrace)
	}
}

// checkCompletion decides from the final transcript whether the assistant
// stopped mid-sentence and, within the continuation budget, asks it to go on.
// The upstream accepts a new response only after the current one is done, so
// the request waits for response.done when the transcript arrives first.
func (c *Conn) checkCompletion(ctx context.Context, text string) {
	if c.state != StateAssistantSpeaking && c.state != StateBargeInPending {
		return
	}
	complete := c.cfg.CompletionDisabled || c.completion.Complete(text)
	if !complete && c.continuations < c.cfg.MaxContinuations && !c.meter.OverLimit() {
		c.continuations++
		c.awaitingMore = true
		c.continueNext = true
		c.timers.arm(timerFlush, c.cfg.ContinuationGrace)
		c.log.Debug("assistant utterance incomplete, continuation pending", "transcript", text)
		if !c.responseOpen {
			c.requestContinuation(ctx)
		}
		return
	}
	c.passCompletion(ctx)
}

// requestContinuation sends the pending continuation request. When the
// upstream refuses it the turn ends as if the transcript had been complete.
func (c *Conn) requestContinuation(ctx context.Context) {
	c.continueNext = false
	if c.state != StateAssistantSpeaking && c.state != StateBargeInPending {
		return
	}
	opts := s2s.ResponseOptions{
		Instructions: BuildInstructions(c.prefs, c.cfg.Scenarios) + "\n\n" + c.cfg.ContinuationPrompt,
	}
	if err := c.upstream.CreateResponse(ctx, opts); err != nil {
		c.log.Warn("failed to request continuation", "err", err)
		c.awaitingMore = false
		c.passCompletion(ctx)
		return
	}
	c.timers.arm(timerFlush, c.cfg.ContinuationGrace)
	c.metrics.RecordTurn(ctx, "continuation")
}

func (c *Conn) passCompletion(ctx context.Context) {
	c.checkPassed = true
	if c.audioDone {
		c.endAssistantTurn(ctx)
	}
}

func (c *Conn) endAssistantTurn(ctx context.Context) {
	c.timers.stop(timerFlush)
	if c.state != StateAssistantSpeaking && c.state != StateBargeInPending {
		return
	}
	c.resetAssistantTurn()
	c.send(ctx, noticeMessage{Type: MsgAudioEnd})
	c.to(evAudioEnd)
	c.metrics.RecordTurn(ctx, "assistant_done")
}

func (c *Conn) resetAssistantTurn() {
	c.audioDone, c.checkPassed, c.awaitingMore, c.continueNext = false, false, false, false
	c.continuations = 0
	c.arbiter.CancelBargeIn()
	c.held = nil
	c.timers.stop(timerBargeIn)
}

// ── timers and limits ──

func (c *Conn) handleTimer(ctx context.Context, f timerFire) {
	if !c.timers.accept(f) {
		return
	}
	switch f.kind {
	case timerInactivity:
		if c.state != StateUserSpeaking {
			return
		}
		if c.arbiter.Settled() {
			c.commitTurn(ctx, "inactivity")
		} else {
			c.discardTurn(ctx)
		}
	case timerResponse:
		c.requestResponse(ctx)
	case timerFlush:
		c.endAssistantTurn(ctx)
	case timerBargeIn:
		if c.state == StateBargeInPending {
			c.metrics.RecordDrops(ctx, "barge_in_aborted", len(c.held))
			c.abortBargeIn(ctx)
		}
	case timerUsage:
		c.reportUsage(ctx, c.meter.Tick(c.clock.Now()))
		if c.meter.Active() {
			c.timers.arm(timerUsage, c.meter.TickInterval())
		}
	}
}

func (c *Conn) applyLimits(ctx context.Context, l usage.Limits) {
	r := c.meter.SetLimits(c.clock.Now(), l)
	c.setUsage(r.Used)
	c.send(ctx, newUsageMessage(r))
	c.log.Info("session limits updated",
		"daily_limit", l.DailyMinutes,
		"monthly_limit", l.MonthlyMinutes,
		"over_limit", r.OverLimit,
	)
	if r.OverLimit {
		c.onOverLimit(ctx, r)
		return
	}
	c.limitNotified = false
}

// reportUsage publishes a meter report: the live counters always, a usage
// message when minutes were billed, and the limit handling when over.
func (c *Conn) reportUsage(ctx context.Context, r usage.Report) {
	c.setUsage(r.Used)
	if r.Delta > 0 {
		c.send(ctx, newUsageMessage(r))
	}
	if r.OverLimit {
		c.onOverLimit(ctx, r)
	}
}

// onOverLimit notifies the client once and ends any user turn in progress
// without asking for a response.
func (c *Conn) onOverLimit(ctx context.Context, r usage.Report) {
	if c.limitNotified {
		return
	}
	c.limitNotified = true
	c.timers.stop(timerUsage)
	c.send(ctx, limitMessage{Type: MsgLimitReached, Scope: r.Scope})
	c.metrics.RecordTurn(ctx, "limit_reached")
	c.log.Info("usage limit reached",
		"scope", r.Scope,
		"daily_minutes", r.Used.DailyMinutes,
		"monthly_minutes", r.Used.MonthlyMinutes,
	)

	switch c.state {
	case StateUserSpeaking:
		c.timers.stop(timerInactivity)
		if !c.cfg.ServerVAD {
			c.call(ctx, "clear input", c.upstream.ClearInput)
		}
		c.input.reset()
		c.to(evDiscard)
	case StateCommitted:
		c.timers.stop(timerResponse)
		c.to(evResponseSkipped)
	}
}

// ── helpers ──

// to applies a turn event and reports whether it was legal.
func (c *Conn) to(ev turnEvent) bool {
	next, ok := transition(c.state, ev)
	if !ok {
		c.log.Debug("ignored turn event", "state", c.state.String(), "event", ev.String())
		return false
	}
	c.state = next
	c.stateView.Store(int32(next))
	return true
}

func (c *Conn) send(ctx context.Context, v any) {
	if err := c.writer.control(ctx, v); err != nil {
		c.log.Debug("failed to queue client message", "err", err)
		return
	}
	c.metrics.RecordFrame(ctx, observe.DirectionOutbound, "control")
}

func (c *Conn) sendError(ctx context.Context, code, message string) {
	c.send(ctx, errorMessage{Type: MsgError, Code: code, Message: message})
}

// call runs an upstream control call and logs its failure.
func (c *Conn) call(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		c.log.Warn("upstream call failed", "call", what, "err", err)
	}
}
