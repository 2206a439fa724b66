package core

import (
	"context"

	"github.com/dkeye/mindflex/internal/domain"
)

// Text stream topics the reconciler understands.
const (
	TopicTranscription = "lk.transcription"
	TopicChat          = "lk.chat"
)

// Event is one item of the ordered stream a SessionClient emits.
type Event interface {
	eventKind() string
}

type ParticipantConnected struct {
	Participant domain.Participant
}

type ParticipantDisconnected struct {
	Participant domain.Participant
}

type ConnectionStateChanged struct {
	State domain.ConnectionState
}

// DataReceived carries a raw structured-data packet. Sender is nil when the
// transport could not attribute the packet.
type DataReceived struct {
	Payload []byte
	Sender  *domain.Participant
	Topic   string
}

// TextStreamReceived announces a text stream that must be drained through
// Reader before its content means anything.
type TextStreamReceived struct {
	Topic    string
	Identity string
	Reader   TextStreamReader
}

type TrackChanged struct {
	Identity  string
	Kind      domain.TrackKind
	Published bool
}

type ActiveSpeakersChanged struct {
	Identities []string
}

// TextStreamReader blocks until the whole stream has arrived.
type TextStreamReader interface {
	ReadAll(ctx context.Context) (string, error)
}

func (ParticipantConnected) eventKind() string    { return "participant_connected" }
func (ParticipantDisconnected) eventKind() string { return "participant_disconnected" }
func (ConnectionStateChanged) eventKind() string  { return "connection_state_changed" }
func (DataReceived) eventKind() string            { return "data_received" }
func (TextStreamReceived) eventKind() string      { return "text_stream_received" }
func (TrackChanged) eventKind() string            { return "track_changed" }
func (ActiveSpeakersChanged) eventKind() string   { return "active_speakers_changed" }

// KindOf names an event for logs.
func KindOf(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventKind()
}
