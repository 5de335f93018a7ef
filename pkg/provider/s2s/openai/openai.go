// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Inbound events are
// decoded into [s2s.Event] values and delivered in order on a single channel;
// binary frames, which some compatible gateways emit for audio, are surfaced as
// [s2s.EventBinaryAudio].
//
// Every client event carries an event_id. The session remembers the type of
// its most recent events so an upstream error that echoes an id can name the
// request it rejects in [s2s.Error.Cause].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single upstream message. Audio deltas are small but
	// response.done can carry the full output item list.
	readLimit = 4 << 20

	// sentHistory is how many client event ids are remembered for error
	// attribution.
	sentHistory = 256
)

var errSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	eventBuffer int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		eventBuffer: 64,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredentials
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sent, _ := lru.New[string, string](sentHistory)
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, p.eventBuffer),
		sent:   sent,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.UpdateSession(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// clientEvent is implemented by every outgoing message. stamp assigns the
// event id and returns the message type.
type clientEvent interface {
	stamp(id string) string
}

// header is the envelope shared by all client events. On its own it is a
// control message without a payload.
type header struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

func (h *header) stamp(id string) string {
	h.EventID = id
	return h.Type
}

func control(typ string) *header { return &header{Type: typ} }

type sessionUpdateMessage struct {
	header
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                 `json:"voice,omitempty"`
	Instructions            string                 `json:"instructions,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	TurnDetection           *turnDetection         `json:"turn_detection"`
	InputAudioTranscription *inputAudioTranscriber `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type           string `json:"type"`
	CreateResponse bool   `json:"create_response"`
}

type inputAudioTranscriber struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	header
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	header
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions    string `json:"instructions,omitempty"`
	MaxOutputTokens int    `json:"max_response_output_tokens,omitempty"`
}

type createConversationItemMessage struct {
	header
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// output_audio_buffer.append
	Audio string `json:"audio,omitempty"`

	// *.done transcript events
	Transcript string `json:"transcript,omitempty"`

	// audio and transcript events reference their response by id; lifecycle
	// events nest it under response.
	ResponseID string `json:"response_id,omitempty"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	// error event
	Error *s2s.Error `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	seq  atomic.Uint64
	sent *lru.Cache[string, string] // event_id -> type

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// send stamps ev with a fresh event id and writes it as a text frame.
func (s *session) send(ctx context.Context, ev clientEvent) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}

	id := fmt.Sprintf("lr_%d", s.seq.Add(1))
	typ := ev.stamp(id)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("openai: marshal %s: %w", typ, err)
	}
	s.sent.Add(id, typ)
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write %s: %w", typ, err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt s2s.Event
		if typ == websocket.MessageBinary {
			evt = s2s.Event{Type: s2s.EventBinaryAudio, Audio: data}
		} else {
			var ok bool
			evt, ok = decodeServerEvent(data)
			if !ok {
				continue
			}
			s.attribute(evt.Error)
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

// decodeServerEvent turns one text frame into an s2s.Event. Frames that are not
// valid JSON objects with a type are dropped.
func decodeServerEvent(data []byte) (s2s.Event, bool) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil || raw.Type == "" {
		return s2s.Event{}, false
	}

	evt := s2s.Event{
		Type:       raw.Type,
		ResponseID: raw.ResponseID,
		Transcript: raw.Transcript,
		Error:      raw.Error,
		Raw:        json.RawMessage(data),
	}
	if evt.ResponseID == "" && raw.Response != nil {
		evt.ResponseID = raw.Response.ID
	}

	switch raw.Type {
	case s2s.EventAudioDelta, s2s.EventOutputAudioDelta:
		evt.Audio = decodeAudio(raw.Delta)
	case s2s.EventOutputBufferAppend:
		evt.Audio = decodeAudio(raw.Audio)
	default:
		evt.Delta = raw.Delta
	}
	return evt, true
}

// attribute fills e.Cause from the remembered client event types.
func (s *session) attribute(e *s2s.Error) {
	if e == nil || e.EventID == "" {
		return
	}
	if typ, ok := s.sent.Get(e.EventID); ok {
		e.Cause = typ
	}
}

func decodeAudio(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return pcm
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

// AppendAudio delivers a raw PCM16 audio chunk to the model's input buffer.
func (s *session) AppendAudio(ctx context.Context, chunk []byte) error {
	return s.send(ctx, &appendAudioMessage{
		header: header{Type: "input_audio_buffer.append"},
		Audio:  base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	return s.send(ctx, control("input_audio_buffer.commit"))
}

// ClearInput sends input_audio_buffer.clear.
func (s *session) ClearInput(ctx context.Context) error {
	return s.send(ctx, control("input_audio_buffer.clear"))
}

// Cancel sends a response.cancel event to stop the current model response.
func (s *session) Cancel(ctx context.Context) error {
	return s.send(ctx, control("response.cancel"))
}

// ClearOutput sends output_audio_buffer.clear.
func (s *session) ClearOutput(ctx context.Context) error {
	return s.send(ctx, control("output_audio_buffer.clear"))
}

// CreateResponse sends response.create, optionally with per-response overrides.
func (s *session) CreateResponse(ctx context.Context, opts s2s.ResponseOptions) error {
	msg := &responseCreateMessage{header: header{Type: "response.create"}}
	if opts.Instructions != "" || opts.MaxOutputTokens > 0 {
		msg.Response = &responseParams{
			Instructions:    opts.Instructions,
			MaxOutputTokens: opts.MaxOutputTokens,
		}
	}
	return s.send(ctx, msg)
}

// UpdateSession sends a session.update event configuring voice, instructions,
// audio formats and turn detection.
func (s *session) UpdateSession(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.ServerVAD {
		params.TurnDetection = &turnDetection{Type: "server_vad", CreateResponse: true}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscriber{Model: cfg.TranscriptionModel}
	}
	return s.send(ctx, &sessionUpdateMessage{header: header{Type: "session.update"}, Session: params})
}

// SendText inserts a user text message as a conversation.item.create event.
func (s *session) SendText(ctx context.Context, text string) error {
	return s.send(ctx, &createConversationItemMessage{
		header: header{Type: "conversation.item.create"},
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// Events returns the channel on which decoded upstream events arrive.
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

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
