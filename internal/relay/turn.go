package relay

// TurnState is the turn-taking state of one connection.
type TurnState int32

const (
	StateIdle TurnState = iota
	StateUserSpeaking
	// StateCommitted means the user's utterance was committed and a response
	// is expected.
	StateCommitted
	StateAssistantSpeaking
	// StateBargeInPending means user speech is being debounced while the
	// assistant is speaking.
	StateBargeInPending
	StateClosed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateCommitted:
		return "committed"
	case StateAssistantSpeaking:
		return "assistant_speaking"
	case StateBargeInPending:
		return "barge_in_pending"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type turnEvent int

const (
	evSpeech turnEvent = iota
	evCommit
	evDiscard
	evResponseStarted
	evResponseSkipped
	evBargeInStart
	evBargeInConfirm
	evBargeInAbort
	evAudioEnd
	evClose
)

func (e turnEvent) String() string {
	return [...]string{
		"speech", "commit", "discard", "response_started", "response_skipped",
		"barge_in_start", "barge_in_confirm", "barge_in_abort", "audio_end", "close",
	}[e]
}

type transitionKey struct {
	from  TurnState
	event turnEvent
}

// transitions lists every legal state change. evClose is legal from every
// state except Closed and is handled separately.
var transitions = map[transitionKey]TurnState{
	{StateIdle, evSpeech}:          StateUserSpeaking,
	{StateIdle, evResponseStarted}: StateAssistantSpeaking,

	{StateUserSpeaking, evCommit}:          StateCommitted,
	{StateUserSpeaking, evDiscard}:         StateIdle,
	{StateUserSpeaking, evResponseStarted}: StateAssistantSpeaking,

	{StateCommitted, evResponseStarted}: StateAssistantSpeaking,
	{StateCommitted, evResponseSkipped}: StateIdle,
	{StateCommitted, evSpeech}:          StateUserSpeaking,

	{StateAssistantSpeaking, evResponseStarted}: StateAssistantSpeaking,
	{StateAssistantSpeaking, evBargeInStart}:    StateBargeInPending,
	{StateAssistantSpeaking, evAudioEnd}:        StateIdle,

	{StateBargeInPending, evBargeInConfirm}:  StateUserSpeaking,
	{StateBargeInPending, evBargeInAbort}:    StateAssistantSpeaking,
	{StateBargeInPending, evResponseStarted}: StateBargeInPending,
	{StateBargeInPending, evAudioEnd}:        StateIdle,
}

// transition returns the state reached from s on e, and false if e is not
// legal in s.
func transition(s TurnState, e turnEvent) (TurnState, bool) {
	if e == evClose {
		return StateClosed, s != StateClosed
	}
	next, ok := transitions[transitionKey{s, e}]
	return next, ok
}
