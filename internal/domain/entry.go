package domain

import "time"

// Role of the speaker of a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// Sender tag of a chat line.
type Sender string

const (
	SenderYou     Sender = "YOU"
	SenderAgent   Sender = "AGENT"
	SenderUnknown Sender = "UNKNOWN"
)

func (r Role) Sender() Sender {
	switch r {
	case RoleUser:
		return SenderYou
	case RoleAssistant:
		return SenderAgent
	default:
		return SenderUnknown
	}
}

const ModalityVoice = "voice"

type ChatKind string

const (
	ChatKindChat       ChatKind = "chat"
	ChatKindTranscript ChatKind = "voice_transcript"
)

// TranscriptEntry is one reconciled utterance. Never mutated after append.
type TranscriptEntry struct {
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Modality  string    `json:"type"`
}

// ChatEntry is one reconciled text exchange. Never mutated after append.
type ChatEntry struct {
	Message   string    `json:"message"`
	From      Sender    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
	Kind      ChatKind  `json:"type"`
}
