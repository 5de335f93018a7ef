// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Gemini Live has no input buffer, commit or response.create, so the session
// maps the relay's control surface onto manual activity signals:
//
//   - AppendAudio buffers audio locally until Commit.
//   - Commit moves the buffered audio into the pending turn.
//   - CreateResponse streams the pending turn between activityStart and
//     activityEnd, which makes the model answer.
//
// With server VAD enabled the upstream detects turns itself and audio is
// streamed straight through. Server messages are translated into the same
// [s2s.Event] taxonomy the OpenAI provider emits, with synthesised response
// ids.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	readLimit = 4 << 20

	// maxBufferedBytes bounds the locally held input audio (two minutes of
	// 24 kHz PCM16).
	maxBufferedBytes = 24000 * 2 * 120

	// chunkBytes is the size of the realtimeInput chunks a pending turn is
	// streamed in.
	chunkBytes = 9600
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSampleRate sets the sample rate declared for input audio.
func WithSampleRate(hz int) Option {
	return func(p *Provider) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithEventBuffer sets the capacity of the inbound event channel.
func WithEventBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	sampleRate  int
	eventBuffer int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		sampleRate:  defaultSampleRate,
		eventBuffer: 64,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// setup message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredentials
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		events:    make(chan s2s.Event, p.eventBuffer),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		mimeType:  fmt.Sprintf("audio/pcm;rate=%d", p.sampleRate),
		serverVAD: cfg.ServerVAD,
		cfg:       cfg,
	}

	if err := sess.writeJSON(ctx, newSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string              `json:"model"`
	GenerationConfig         generationConfig    `json:"generationConfig"`
	SystemInstruction        *content            `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      realtimeInputConfig `json:"realtimeInputConfig"`
	InputAudioTranscription  *audioTranscription `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *audioTranscription `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	Disabled bool `json:"disabled"`
}

// audioTranscription is an empty object that switches transcription on.
type audioTranscription struct{}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks   []inlineData `json:"mediaChunks,omitempty"`
	ActivityStart *struct{}    `json:"activityStart,omitempty"`
	ActivityEnd   *struct{}    `json:"activityEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			RealtimeInputConfig: realtimeInputConfig{
				AutomaticActivityDetection: activityDetection{Disabled: !cfg.ServerVAD},
			},
			OutputAudioTranscription: &audioTranscription{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.TranscriptionModel != "" {
		msg.Setup.InputAudioTranscription = &audioTranscription{}
	}
	return msg
}

func userTurn(text string, complete bool) clientContentMessage {
	return clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: complete,
		},
	}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	events    chan s2s.Event
	mimeType  string
	serverVAD bool

	// writeMu serialises multi-frame writes so a streamed turn is not
	// interleaved with other messages.
	writeMu sync.Mutex

	mu       sync.Mutex
	errVal   error
	closed   bool
	cfg      s2s.SessionConfig
	input    []byte // appended since the last commit
	pending  []byte // committed, not yet sent
	suppress bool   // drop model output until the current turn ends

	// Receive-loop state.
	respSeq    int
	respID     string
	transcript strings.Builder
	heard      strings.Builder

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini: session closed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

func (s *session) sendAudio(ctx context.Context, pcm []byte) error {
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: s.mimeType, Data: base64.StdEncoding.EncodeToString(pcm)}},
		},
	})
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		// Gemini Live sends JSON in both text and binary frames.
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		for _, evt := range s.translate(&msg, data) {
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate turns one server message into zero or more relay events.
func (s *session) translate(msg *serverMessage, raw []byte) []s2s.Event {
	var out []s2s.Event
	if msg.SetupComplete != nil {
		out = append(out, s2s.Event{Type: s2s.EventSessionCreated, Raw: raw})
	}
	if msg.Error != nil {
		out = append(out, s2s.Event{
			Type: s2s.EventError,
			Error: &s2s.Error{
				Type:    msg.Error.Status,
				Code:    fmt.Sprint(msg.Error.Code),
				Message: msg.Error.Message,
			},
			Raw: raw,
		})
	}
	if sc := msg.ServerContent; sc != nil {
		out = s.translateContent(sc, out)
	}
	return out
}

func (s *session) translateContent(sc *serverContent, out []s2s.Event) []s2s.Event {
	s.mu.Lock()
	suppress := s.suppress
	if sc.TurnComplete || sc.Interrupted {
		s.suppress = false
	}
	s.mu.Unlock()

	if sc.InputTranscription != nil {
		s.heard.WriteString(sc.InputTranscription.Text)
	}

	hasOutput := sc.OutputTranscription != nil || (sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0)
	if hasOutput && !suppress && s.respID == "" {
		out = s.flushHeard(out)
		s.respSeq++
		s.respID = fmt.Sprintf("gemini_resp_%d", s.respSeq)
		out = append(out, s2s.Event{Type: s2s.EventResponseCreated, ResponseID: s.respID})
	}

	if !suppress && s.respID != "" {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				out = append(out, s2s.Event{Type: s2s.EventAudioDelta, Audio: pcm, ResponseID: s.respID})
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.transcript.WriteString(sc.OutputTranscription.Text)
			out = append(out, s2s.Event{
				Type:       s2s.EventTranscriptDelta,
				Delta:      sc.OutputTranscription.Text,
				ResponseID: s.respID,
			})
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		out = s.flushHeard(out)
		if s.respID != "" {
			out = append(out,
				s2s.Event{Type: s2s.EventAudioDone, ResponseID: s.respID},
				s2s.Event{Type: s2s.EventTranscriptDone, Transcript: strings.TrimSpace(s.transcript.String()), ResponseID: s.respID},
				s2s.Event{Type: s2s.EventResponseDone, ResponseID: s.respID},
			)
		}
		s.respID = ""
		s.transcript.Reset()
	}
	return out
}

// flushHeard emits the accumulated user transcription as one completed
// input transcript.
func (s *session) flushHeard(out []s2s.Event) []s2s.Event {
	text := strings.TrimSpace(s.heard.String())
	s.heard.Reset()
	if text == "" {
		return out
	}
	return append(out, s2s.Event{Type: s2s.EventInputTranscriptCompleted, Transcript: text})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// AppendAudio streams the chunk when the upstream detects turns itself and
// buffers it until Commit otherwise.
func (s *session) AppendAudio(ctx context.Context, chunk []byte) error {
	if s.serverVAD {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.sendAudio(ctx, chunk)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("gemini: session closed")
	}
	if len(s.input)+len(s.pending)+len(chunk) > maxBufferedBytes {
		return fmt.Errorf("gemini: input buffer full")
	}
	s.input = append(s.input, chunk...)
	return nil
}

// Commit moves the buffered input into the pending turn. Committing an empty
// buffer fails with the commit-empty upstream error code.
func (s *session) Commit(_ context.Context) error {
	if s.serverVAD {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.input) == 0 {
		return &s2s.Error{
			Type:    "invalid_request_error",
			Code:    s2s.ErrCodeCommitEmpty,
			Message: "input buffer is empty",
		}
	}
	s.pending = append(s.pending, s.input...)
	s.input = s.input[:0]
	return nil
}

// ClearInput discards uncommitted input audio.
func (s *session) ClearInput(_ context.Context) error {
	s.mu.Lock()
	s.input = s.input[:0]
	s.mu.Unlock()
	return nil
}

// Cancel drops the rest of the in-flight response. Gemini Live cannot stop a
// generation on request; its remaining output is discarded until the turn
// ends or the next activityStart interrupts it.
func (s *session) Cancel(_ context.Context) error {
	s.mu.Lock()
	s.suppress = true
	s.mu.Unlock()
	return nil
}

// ClearOutput behaves like Cancel.
func (s *session) ClearOutput(ctx context.Context) error {
	return s.Cancel(ctx)
}

// CreateResponse sends the pending turn as one activity. Without pending
// audio it completes the client turn instead, carrying opts.Instructions as a
// user message since Gemini Live has no per-response instructions.
func (s *session) CreateResponse(ctx context.Context, opts s2s.ResponseOptions) error {
	s.mu.Lock()
	pcm := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(pcm) == 0 {
		if opts.Instructions != "" {
			return s.writeJSON(ctx, userTurn(opts.Instructions, true))
		}
		return s.writeJSON(ctx, clientContentMessage{ClientContent: clientContent{TurnComplete: true}})
	}

	if err := s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}}); err != nil {
		return err
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := s.sendAudio(ctx, pcm[off:end]); err != nil {
			return err
		}
	}
	return s.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
}

// UpdateSession applies what Gemini Live allows mid-session: changed
// instructions are added to the conversation as a user turn. Voice and turn
// detection are fixed at setup.
func (s *session) UpdateSession(ctx context.Context, cfg s2s.SessionConfig) error {
	s.mu.Lock()
	changed := cfg.Instructions != s.cfg.Instructions
	s.cfg = cfg
	s.mu.Unlock()

	if !changed || cfg.Instructions == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSON(ctx, userTurn("Updated instructions:\n"+cfg.Instructions, false))
}

// SendText adds a user text turn without completing it; CreateResponse asks
// for the answer.
func (s *session) SendText(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSON(ctx, userTurn(text, false))
}

// Events returns the channel on which translated upstream events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
