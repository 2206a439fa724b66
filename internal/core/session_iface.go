package core

import "github.com/dkeye/mindflex/internal/domain"

// SessionID identifies one browser (the client token cookie).
type SessionID string

// MemberSession binds the local participant meta and its transport endpoints.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
