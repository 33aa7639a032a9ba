package orchestrator

// State is the dialogue state of one session.
type State int32

const (
	Listening State = iota
	Generating
	Speaking
	Closed
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Generating:
		return "generating"
	case Speaking:
		return "speaking"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type EventKind int

const (
	EvAudio EventKind = iota
	EvInterim
	EvFinal // final transcript or utterance end
	EvRecognitionError
	EvFragment
	EvGenerationEnd
	EvGenerationError
	EvSynthAudio
	EvSynthFlushed
	EvSynthError
	EvClose
)

func (k EventKind) String() string {
	return [...]string{
		"audio", "interim", "final", "recognition_error", "fragment", "generation_end",
		"generation_error", "synth_audio", "synth_flushed", "synth_error", "close",
	}[k]
}

type Action int

const (
	ActForwardAudio Action = iota
	ActUpdatePartial
	ActBargeIn
	ActCommitUtterance
	ActStartGeneration
	ActCheckAlert
	ActSpeakFragment
	ActFlushSynth
	ActForwardSynthAudio
	ActCompleteTurn
	ActAbortTurn
	ActFinalize
)

// Transition is the whole dialogue policy: given the current state and an
// event it returns the next state and the actions to apply, in order.
func Transition(s State, e EventKind) (State, []Action) {
	if s == Closed {
		return Closed, nil
	}
	switch e {
	case EvClose:
		return Closed, []Action{ActFinalize}

	case EvAudio:
		return s, []Action{ActForwardAudio}

	case EvInterim:
		if s == Generating || s == Speaking {
			return Listening, []Action{ActBargeIn, ActUpdatePartial}
		}
		return Listening, []Action{ActUpdatePartial}

	case EvFinal:
		if s == Generating || s == Speaking {
			return Generating, []Action{ActBargeIn, ActCommitUtterance, ActStartGeneration, ActCheckAlert}
		}
		return Generating, []Action{ActCommitUtterance, ActStartGeneration, ActCheckAlert}

	case EvFragment:
		if s == Generating || s == Speaking {
			return Speaking, []Action{ActSpeakFragment}
		}

	case EvGenerationEnd:
		switch s {
		case Generating:
			// nothing was said
			return Listening, []Action{ActCompleteTurn}
		case Speaking:
			return Speaking, []Action{ActFlushSynth}
		}

	case EvSynthAudio:
		if s == Speaking {
			return Speaking, []Action{ActForwardSynthAudio}
		}

	case EvSynthFlushed:
		if s == Speaking {
			return Listening, []Action{ActCompleteTurn}
		}

	case EvGenerationError, EvSynthError, EvRecognitionError:
		if s == Generating || s == Speaking {
			return Listening, []Action{ActAbortTurn}
		}
	}
	return s, nil
}
