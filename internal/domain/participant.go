package domain

// ParticipantKind is the role flag the session client attaches to a participant.
type ParticipantKind string

const (
	KindHuman ParticipantKind = "human"
	KindAgent ParticipantKind = "agent"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Participant is a local or remote endpoint of a room.
// No transport or lifecycle logic here.
type Participant struct {
	Identity string          `json:"identity"`
	Name     string          `json:"name,omitempty"`
	Kind     ParticipantKind `json:"kind"`
	Audio    bool            `json:"audio"`
	Video    bool            `json:"video"`
}

func (p Participant) IsAgent() bool { return p.Kind == KindAgent }
