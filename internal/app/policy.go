package app

import "github.com/dkeye/mindflex/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens when a browser does not drain its socket.
type Policy interface {
	OnBackPressure(sid core.SessionID, frameType string) BackpressureAction
}

// SimplePolicy drops state frames, since the next snapshot supersedes them,
// and disconnects on anything else.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.SessionID, frameType string) BackpressureAction {
	if frameType == "state" {
		return DropFrame
	}
	return KickMember
}
