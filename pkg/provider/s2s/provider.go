// Package s2s defines the Provider interface for real-time Speech-to-Speech
// (S2S) backends that the relay forwards conversations to.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and returns synthesised audio plus transcript and lifecycle events in
// a single, stateful session. The OpenAI Realtime API is the reference
// implementation.
//
// The central abstraction is SessionHandle: a bidirectional connection whose
// control surface mirrors the upstream protocol (append, commit, cancel,
// response-create) and whose inbound side is a single ordered [Event] stream.
// The handle does not interpret events beyond decoding them; turn-taking and
// style de-duplication are the relay's job.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned by Connect when the provider has no API
// key. It is a configuration error and must not be retried.
var ErrMissingCredentials = errors.New("s2s: missing upstream credentials")

// Upstream event types the relay understands. Any other type is still
// delivered as an [Event] with Raw populated.
const (
	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"

	EventResponseCreated = "response.created"
	EventResponseDone    = "response.done"

	// Delta-style audio.
	EventAudioDelta       = "response.audio.delta"
	EventAudioDone        = "response.audio.done"
	EventOutputAudioDelta = "response.output_audio.delta"
	EventOutputAudioDone  = "response.output_audio.done"

	// Buffer-style audio.
	EventOutputBufferAppend  = "output_audio_buffer.append"
	EventOutputBufferCommit  = "output_audio_buffer.commit"
	EventOutputBufferStopped = "output_audio_buffer.stopped"

	// EventBinaryAudio is synthesised by providers for raw binary frames.
	// It counts as buffer-style audio.
	EventBinaryAudio = "binary.audio"

	EventTranscriptDelta       = "response.audio_transcript.delta"
	EventTranscriptDone        = "response.audio_transcript.done"
	EventOutputTranscriptDelta = "response.output_audio_transcript.delta"
	EventOutputTranscriptDone  = "response.output_audio_transcript.done"

	EventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"

	EventSpeechStarted  = "input_audio_buffer.speech_started"
	EventSpeechStopped  = "input_audio_buffer.speech_stopped"
	EventInputCommitted = "input_audio_buffer.committed"

	EventError = "error"
)

// ErrCodeCommitEmpty is the upstream error code for committing an empty input
// buffer. It is expected under normal timing races and should be swallowed.
const ErrCodeCommitEmpty = "input_audio_buffer_commit_empty"

// ErrCodeActiveResponse is the upstream error code for a response.create sent
// while another response is still being generated.
const ErrCodeActiveResponse = "conversation_already_has_active_response"

// Event is one decoded upstream message.
type Event struct {
	// Type is the upstream event type (see the Event* constants).
	Type string

	// Audio holds decoded PCM16 for audio-bearing events.
	Audio []byte

	// Delta holds transcript text for transcript delta events.
	Delta string

	// Transcript holds the final text for transcript done events.
	Transcript string

	// ResponseID identifies the response an event belongs to, when present.
	ResponseID string

	// Error is set for error events.
	Error *Error

	// Raw is the undecoded message. Nil for binary frames.
	Raw json.RawMessage
}

// Error is an upstream error event payload.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`

	// EventID echoes the id of the client event that was rejected, when the
	// upstream reports one.
	EventID string `json:"event_id,omitempty"`

	// Cause is the type of the client event named by EventID, filled in by
	// providers that remember what they sent.
	Cause string `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "s2s: upstream error"
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Cause != "" {
		msg += fmt.Sprintf(" (in reply to %s)", e.Cause)
	}
	return msg + ": " + e.Message
}

// SessionConfig is the configuration pushed to the upstream at connect time
// and on every preference change.
type SessionConfig struct {
	// Voice is the provider-specific voice identifier. Empty keeps the default.
	Voice string

	// Instructions is the system-level prompt for the conversation.
	Instructions string

	// ServerVAD enables the upstream's own turn detector. When false the relay
	// commits and requests responses explicitly.
	ServerVAD bool

	// TranscriptionModel enables user-speech transcription when non-empty.
	TranscriptionModel string
}

// ResponseOptions tunes a single response.create request.
type ResponseOptions struct {
	// Instructions overrides the session instructions for this response only.
	Instructions string

	// MaxOutputTokens caps the response length. Zero means provider default.
	MaxOutputTokens int
}

// SessionHandle is a live upstream connection. Write methods are safe to call
// concurrently; Events has a single consumer.
type SessionHandle interface {
	// AppendAudio appends a PCM16 chunk to the upstream input buffer.
	AppendAudio(ctx context.Context, chunk []byte) error

	// Commit finalises the input buffer as one user utterance.
	Commit(ctx context.Context) error

	// ClearInput discards any uncommitted input audio.
	ClearInput(ctx context.Context) error

	// Cancel stops the in-flight response.
	Cancel(ctx context.Context) error

	// ClearOutput discards assistant audio the upstream has queued but not yet
	// streamed.
	ClearOutput(ctx context.Context) error

	// CreateResponse asks the upstream to respond to the conversation so far.
	CreateResponse(ctx context.Context, opts ResponseOptions) error

	// UpdateSession pushes a new session configuration.
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// SendText adds a user text message to the conversation.
	SendText(ctx context.Context, text string) error

	// Events returns the ordered upstream event stream. It is closed when the
	// connection ends; Err then reports why.
	Events() <-chan Event

	// Err returns the error that terminated the session, if any.
	Err() error

	// Close terminates the session. Idempotent.
	Close() error
}

// Provider opens upstream sessions.
type Provider interface {
	// Connect dials the upstream and pushes cfg. The returned handle is ready
	// for audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
