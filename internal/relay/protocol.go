package relay

import (
	"encoding/json"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
)

// Close codes sent when a connection is refused or ended by the relay.
const (
	CloseMissingSession      websocket.StatusCode = 4001
	CloseUnknownSession      websocket.StatusCode = 4004
	CloseSessionClaimed      websocket.StatusCode = 4009
	CloseUpstreamNoAuth      websocket.StatusCode = 4010
	CloseUpstreamUnavailable websocket.StatusCode = 4011
)

// Client → relay message types. Audio travels as binary frames of PCM16 mono.
const (
	MsgSpeechStart       = "speech.start"
	MsgSpeechStop        = "speech.stop"
	MsgPreferencesUpdate = "preferences.update"
	MsgText              = "text"
	MsgDebug             = "debug"
	MsgStop              = "stop"
)

// Relay → client message types. Assistant audio travels as binary frames.
const (
	MsgHello                = "hello"
	MsgUsage                = "usage"
	MsgLimitReached         = "limit.reached"
	MsgAssistantSpeaking    = "assistant.speaking"
	MsgAssistantInterrupted = "assistant.interrupted"
	MsgAudioEnd             = "audio.end"
	MsgTranscript           = "transcript"
	MsgError                = "error"
	MsgUpstream             = "upstream"
	MsgShutdown             = "server.shutdown"
)

// ClientMessage is a JSON text frame sent by the client. Preference fields
// are only read for preferences.update.
type ClientMessage struct {
	Type string `json:"type"`

	// Text is the user's typed message.
	Text string `json:"text,omitempty"`

	// Tag and Data carry a debug report.
	Tag  string          `json:"tag,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	session.PreferencesPatch
}

type helloMessage struct {
	Type           string     `json:"type"`
	SessionID      string     `json:"session_id"`
	AccountingMode usage.Mode `json:"accounting_mode"`
	ServerVAD      bool       `json:"server_vad"`
	BargeIn        bool       `json:"barge_in"`
	SampleRate     int        `json:"sample_rate"`
}

type usageMessage struct {
	Type      string       `json:"type"`
	Used      usage.Totals `json:"used"`
	Limits    usage.Limits `json:"limits"`
	OverLimit bool         `json:"over_limit"`
	Scope     usage.Scope  `json:"scope,omitempty"`
}

func newUsageMessage(r usage.Report) usageMessage {
	return usageMessage{
		Type:      MsgUsage,
		Used:      r.Used,
		Limits:    r.Limits,
		OverLimit: r.OverLimit,
		Scope:     r.Scope,
	}
}

type limitMessage struct {
	Type  string      `json:"type"`
	Scope usage.Scope `json:"scope"`
}

type transcriptMessage struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// upstreamMessage forwards an upstream event the relay does not interpret.
type upstreamMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type noticeMessage struct {
	Type string `json:"type"`
}
