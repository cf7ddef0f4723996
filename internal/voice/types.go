package voice

import "time"

// Phase is the session's current activity. It is the single source of truth
// for what the capture and playback drivers may be doing.
type Phase int

const (
	// PhaseIdle: nothing is running; waiting for the user to start.
	PhaseIdle Phase = iota

	// PhaseListening: a capture attempt is running or about to be re-armed.
	PhaseListening

	// PhaseThinking: the tutor is working on a reply.
	PhaseThinking

	// PhaseSpeaking: the reply is being played back.
	PhaseSpeaking
)

// String returns the lowercase phase name used on the wire and in metrics.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Role attributes an utterance to a speaker.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Utterance is one finalized conversation entry. It is never modified after
// creation.
type Utterance struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
}

// State is the snapshot published to observers after every change.
type State struct {
	Phase Phase

	// Label is the short status line for the current phase.
	Label string

	// Transcript is the live text of the current listening turn.
	Transcript string

	// Reply is the most recent tutor reply, kept while speaking and after.
	Reply string

	// Error is the current user-facing error message, if any.
	Error string

	SubjectID string

	// LoopActive reports whether the session keeps listening after each
	// reply.
	LoopActive bool
}

// Observer receives published session output. Callbacks run on the session's
// event loop: they must return quickly and must not call back into the
// Controller.
type Observer struct {
	OnState     func(State)
	OnUtterance func(Utterance)
}

// ArchiveEntry is an utterance together with the session context it was
// spoken in.
type ArchiveEntry struct {
	SessionID string
	StudentID string
	SubjectID string
	Utterance Utterance
}

// Recorder persists conversation entries. Record must not block.
type Recorder interface {
	Record(ArchiveEntry)
}

// CommandMatcher recognises spoken control phrases in a finalized transcript.
type CommandMatcher interface {
	Match(transcript string) (phrase string, ok bool)
}
