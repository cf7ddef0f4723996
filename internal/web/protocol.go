package web

import (
	"time"

	"github.com/MrWong99/voicetutor/internal/voice"
)

// Control message types sent by the client as text frames.
const (
	ControlToggle  = "toggle"
	ControlStart   = "start"
	ControlStop    = "stop"
	ControlSubject = "subject"
	ControlReset   = "reset"
)

// Frame types sent to the client as text frames.
const (
	FrameState     = "state"
	FrameUtterance = "utterance"
	FrameHistory   = "history"
	FrameClear     = "clear"
	FrameError     = "error"
)

// Control is a command from the client.
type Control struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id,omitempty"`
}

// StateFrame mirrors [voice.State] for the client.
type StateFrame struct {
	Type       string `json:"type"`
	Phase      string `json:"phase"`
	Label      string `json:"label"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Error      string `json:"error"`
	SubjectID  string `json:"subject_id"`
	LoopActive bool   `json:"loop_active"`
}

// UtteranceFrame carries one conversation entry. Text is truncated for
// display.
type UtteranceFrame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryFrame replays the conversation so far when a client connects.
type HistoryFrame struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"session_id"`
	Utterances []UtteranceFrame `json:"utterances"`
}

// NoticeFrame is a bare typed frame: "clear" tells the client to drop
// buffered audio, "error" reports a rejected control message.
type NoticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func stateFrame(s voice.State) StateFrame {
	return StateFrame{
		Type:       FrameState,
		Phase:      s.Phase.String(),
		Label:      s.Label,
		Transcript: s.Transcript,
		Reply:      s.Reply,
		Error:      s.Error,
		SubjectID:  s.SubjectID,
		LoopActive: s.LoopActive,
	}
}

func utteranceFrame(u voice.Utterance) UtteranceFrame {
	return UtteranceFrame{
		Type:      FrameUtterance,
		ID:        u.ID,
		Role:      string(u.Role),
		Text:      voice.Truncate(u.Text, voice.HistoryDisplayLimit),
		Timestamp: u.Timestamp,
	}
}
