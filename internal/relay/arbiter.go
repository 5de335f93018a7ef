package relay

import "time"

// ArbiterConfig holds the energy gates and timings of turn-taking.
type ArbiterConfig struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	BargeInThreshold float64

	SilenceHang time.Duration
	MinSpeech   time.Duration

	BargeInFloor  time.Duration
	BargeInWindow time.Duration
}

// listenResult is the arbiter's verdict on a chunk of user speech.
type listenResult int

const (
	listenContinue listenResult = iota
	// listenCommit ends the utterance: enough silence followed enough speech.
	listenCommit
	// listenDiscard ends an utterance too short to be worth a response.
	listenDiscard
)

// bargeResult is the arbiter's verdict on a chunk heard while the assistant
// speaks.
type bargeResult int

const (
	bargeNone bargeResult = iota
	bargeStart
	bargeHold
	bargeConfirm
	bargeAbort
)

// Arbiter decides from audio energy when the user starts and stops talking
// and whether they are interrupting the assistant. Time is measured in audio
// duration, not wall clock, so decisions only depend on the audio received.
// It is not safe for concurrent use.
type Arbiter struct {
	cfg ArbiterConfig

	speech  time.Duration
	silence time.Duration

	pending      bool
	bargeAbove   time.Duration
	bargeElapsed time.Duration
}

// NewArbiter creates an [Arbiter] from cfg.
func NewArbiter(cfg ArbiterConfig) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// IsSpeech reports whether energy is loud enough to start an utterance.
func (a *Arbiter) IsSpeech(energy float64) bool {
	return energy >= a.cfg.SpeechThreshold
}

// StartUtterance resets the per-utterance counters.
func (a *Arbiter) StartUtterance() {
	a.speech = 0
	a.silence = 0
	a.pending = false
	a.bargeAbove = 0
	a.bargeElapsed = 0
}

// Speech returns the non-silent audio duration of the current utterance.
func (a *Arbiter) Speech() time.Duration { return a.speech }

// Listen accounts one chunk of an ongoing utterance. Only continuous silence
// counts towards the hang time; any louder chunk resets it.
func (a *Arbiter) Listen(energy float64, d time.Duration) listenResult {
	if energy < a.cfg.SilenceThreshold {
		a.silence += d
	} else {
		a.silence = 0
		a.speech += d
	}
	if a.silence < a.cfg.SilenceHang {
		return listenContinue
	}
	if a.speech < a.cfg.MinSpeech {
		return listenDiscard
	}
	return listenCommit
}

// Settled reports whether the utterance is long enough to commit when the
// client stops sending audio altogether.
func (a *Arbiter) Settled() bool { return a.speech >= a.cfg.MinSpeech }

// BargeIn accounts one chunk heard while the assistant is speaking. A barge-in
// starts on a chunk at or above the barge-in threshold and is confirmed once
// above-threshold audio reaches the floor. A quieter chunk, or running past
// the window, aborts it.
func (a *Arbiter) BargeIn(energy float64, d time.Duration) bargeResult {
	loud := energy >= a.cfg.BargeInThreshold
	if !a.pending {
		if !loud {
			return bargeNone
		}
		a.pending = true
		a.bargeAbove = d
		a.bargeElapsed = d
		if a.bargeAbove >= a.cfg.BargeInFloor {
			a.pending = false
			return bargeConfirm
		}
		return bargeStart
	}

	if !loud {
		a.pending = false
		return bargeAbort
	}
	a.bargeAbove += d
	a.bargeElapsed += d
	if a.bargeAbove >= a.cfg.BargeInFloor {
		a.pending = false
		return bargeConfirm
	}
	if a.bargeElapsed >= a.cfg.BargeInWindow {
		a.pending = false
		return bargeAbort
	}
	return bargeHold
}

// CancelBargeIn drops a pending barge-in, for example when its window timer
// fires before more audio arrives.
func (a *Arbiter) CancelBargeIn() {
	a.pending = false
	a.bargeAbove = 0
	a.bargeElapsed = 0
}
