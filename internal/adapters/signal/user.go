package signal

import (
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID) {
	resp := struct {
		Type     string          `json:"type"`
		Identity string          `json:"identity"`
		UserID   domain.UserID   `json:"userId,omitempty"`
		Room     domain.RoomName `json:"room,omitempty"`
		Phase    domain.Phase    `json:"phase"`
	}{
		Type: "whoami",
	}
	if sess, ok := ctl.Orch.Registry.GetSession(sid); ok {
		resp.Identity = sess.Meta().Identity
	}
	if uid, ok := ctl.Orch.Registry.UserOf(sid); ok {
		resp.UserID = uid
		resp.Identity = string(uid)
	}
	snap := ctl.Orch.Snapshot(sid)
	resp.Room = snap.Room
	resp.Phase = snap.Phase
	ctl.Orch.Send(sid, "whoami", resp)
}
