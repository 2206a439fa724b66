package core

import (
	"context"

	"github.com/dkeye/mindflex/internal/domain"
	"github.com/pion/webrtc/v4"
)

// CredentialRequest asks for a join credential for one room.
type CredentialRequest struct {
	Room        domain.RoomName
	Identity    string
	DisplayName string
}

// Credentials is everything a Dialer needs to join a room.
type Credentials struct {
	ServerURL       string          `json:"wsUrl"`
	Room            domain.RoomName `json:"room"`
	Token           string          `json:"token"`
	ParticipantName string          `json:"participantName"`
}

type CredentialSource interface {
	Credentials(ctx context.Context, req CredentialRequest) (*Credentials, error)
}

// SessionClient is a connected room. It owns the event channel and closes it
// once the room is gone.
type SessionClient interface {
	Events() <-chan Event
	LocalIdentity() string
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SendChat(ctx context.Context, text string) error
	Disconnect()
}

type Dialer interface {
	Dial(ctx context.Context, creds *Credentials) (SessionClient, error)
}

// LocalTrackProvider is implemented by session clients that can take media
// relayed from another leg (the browser) and publish it into the room.
type LocalTrackProvider interface {
	LocalTrack(kind domain.TrackKind) *webrtc.TrackLocalStaticRTP
}

type UserStore interface {
	UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error)
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
}

type PlanStore interface {
	// CreatePlan stores p. When p.IsActive every other plan of the user is
	// deactivated in the same step.
	CreatePlan(ctx context.Context, p *domain.Plan) error
	ListPlans(ctx context.Context, userID domain.UserID) ([]*domain.Plan, error)
	ActivePlan(ctx context.Context, userID domain.UserID) (*domain.Plan, error)
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, c *domain.Conversation) error
	ListConversations(ctx context.Context, userID domain.UserID) ([]*domain.Conversation, error)
}

// Store bundles the persisted document schema.
type Store interface {
	UserStore
	PlanStore
	ConversationStore
	Close() error
}
