package relay

import (
	"encoding/json"

	"github.com/MrWong99/lingorelay/pkg/audio"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// OutputKind classifies what an upstream event means for the client.
type OutputKind int

const (
	// OutNone is an event the relay consumes without telling the client.
	OutNone OutputKind = iota
	// OutDrop is an event that was discarded; Output.Reason says why.
	OutDrop
	OutAudio
	OutAudioDone
	OutResponseStarted
	OutResponseDone
	OutTranscriptDelta
	OutTranscriptFinal
	OutUserTranscript
	OutError
	// OutPassthrough is forwarded to the client verbatim in an upstream envelope.
	OutPassthrough
)

// Drop reasons reported by [Translator.FromUpstream].
const (
	DropStyleMismatch = "style_mismatch"
	DropCommitEmpty   = "commit_empty"
	DropActiveResp    = "active_response"
	DropCancelled     = "cancelled"
	DropStaleDone     = "stale_done"
)

// Output is the client-facing meaning of one upstream event.
type Output struct {
	Kind       OutputKind
	Audio      []byte
	Text       string
	ResponseID string
	Err        *s2s.Error
	Raw        json.RawMessage
	Reason     string
}

type audioStyle int

const (
	styleNone audioStyle = iota
	styleBuffer
	styleDelta
)

func (s audioStyle) String() string {
	switch s {
	case styleBuffer:
		return "buffer"
	case styleDelta:
		return "delta"
	}
	return "none"
}

// Translator maps upstream events to client outputs. The upstream may signal
// assistant audio in two styles; the first audio event of an utterance locks
// the style and events of the other style are dropped until the utterance
// ends, so the client never hears the same audio twice. A Translator belongs
// to one connection and is not safe for concurrent use.
type Translator struct {
	locked audioStyle
	// suppress drops output of a cancelled response until the next one starts.
	suppress bool
}

// Style returns the locked audio style, or "none" between utterances.
func (t *Translator) Style() string { return t.locked.String() }

// Suppress drops audio and transcripts of the current response. It is
// cleared when the upstream starts a new response.
func (t *Translator) Suppress() {
	t.suppress = true
	t.locked = styleNone
}

// FromUpstream translates one upstream event.
func (t *Translator) FromUpstream(evt s2s.Event) Output {
	switch evt.Type {
	case s2s.EventOutputBufferAppend, s2s.EventBinaryAudio:
		return t.audio(styleBuffer, evt)
	case s2s.EventAudioDelta, s2s.EventOutputAudioDelta:
		return t.audio(styleDelta, evt)

	case s2s.EventOutputBufferCommit, s2s.EventOutputBufferStopped:
		return t.audioDone(styleBuffer)
	case s2s.EventAudioDone, s2s.EventOutputAudioDone:
		return t.audioDone(styleDelta)

	case s2s.EventResponseCreated:
		t.locked = styleNone
		t.suppress = false
		return Output{Kind: OutResponseStarted, ResponseID: evt.ResponseID}
	case s2s.EventResponseDone:
		t.locked = styleNone
		if t.suppress {
			return Output{Kind: OutDrop, Reason: DropCancelled}
		}
		return Output{Kind: OutResponseDone, ResponseID: evt.ResponseID}

	case s2s.EventTranscriptDelta, s2s.EventOutputTranscriptDelta:
		if t.suppress {
			return Output{Kind: OutDrop, Reason: DropCancelled}
		}
		return Output{Kind: OutTranscriptDelta, Text: evt.Delta}
	case s2s.EventTranscriptDone, s2s.EventOutputTranscriptDone:
		if t.suppress {
			return Output{Kind: OutDrop, Reason: DropCancelled}
		}
		return Output{Kind: OutTranscriptFinal, Text: evt.Transcript}
	case s2s.EventInputTranscriptCompleted:
		return Output{Kind: OutUserTranscript, Text: evt.Transcript}

	case s2s.EventError:
		if evt.Error != nil {
			switch evt.Error.Code {
			case s2s.ErrCodeCommitEmpty:
				return Output{Kind: OutDrop, Reason: DropCommitEmpty, Err: evt.Error}
			case s2s.ErrCodeActiveResponse:
				return Output{Kind: OutDrop, Reason: DropActiveResp, Err: evt.Error}
			}
		}
		e := evt.Error
		if e == nil {
			e = &s2s.Error{Type: "error", Message: "upstream reported an error"}
		}
		return Output{Kind: OutError, Err: e}

	case s2s.EventSessionCreated, s2s.EventSessionUpdated, s2s.EventInputCommitted:
		return Output{Kind: OutNone}
	}
	if len(evt.Raw) == 0 {
		return Output{Kind: OutNone}
	}
	return Output{Kind: OutPassthrough, Raw: evt.Raw}
}

func (t *Translator) audio(style audioStyle, evt s2s.Event) Output {
	if t.suppress {
		return Output{Kind: OutDrop, Reason: DropCancelled}
	}
	if t.locked == styleNone {
		t.locked = style
	}
	if t.locked != style {
		return Output{Kind: OutDrop, Reason: DropStyleMismatch}
	}
	return Output{Kind: OutAudio, Audio: evt.Audio, ResponseID: evt.ResponseID}
}

func (t *Translator) audioDone(style audioStyle) Output {
	switch {
	case t.suppress:
		return Output{Kind: OutDrop, Reason: DropCancelled}
	case t.locked == style:
		t.locked = styleNone
		return Output{Kind: OutAudioDone}
	case t.locked == styleNone:
		return Output{Kind: OutDrop, Reason: DropStaleDone}
	}
	return Output{Kind: OutDrop, Reason: DropStyleMismatch}
}

// inputBuffer tracks client audio sent to the upstream since the last commit
// or clear, measured at the upstream sample rate.
type inputBuffer struct {
	resampler *audio.Resampler
	minCommit int
	pending   int
}

func newInputBuffer(from, to audio.Format, minCommit int) *inputBuffer {
	return &inputBuffer{
		resampler: &audio.Resampler{From: from, To: to},
		minCommit: minCommit,
	}
}

// prepare converts a client chunk to the upstream rate and counts it.
func (b *inputBuffer) prepare(chunk []byte) []byte {
	out := b.resampler.Convert(chunk)
	b.pending += len(out)
	return out
}

// committable reports whether enough audio is buffered to commit.
func (b *inputBuffer) committable() bool { return b.pending >= b.minCommit }

func (b *inputBuffer) reset() { b.pending = 0 }
