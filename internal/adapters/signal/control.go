package signal

import "github.com/dkeye/mindflex/internal/core"

func (ctl *SignalWSController) handlePing(sid core.SessionID) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.Orch.Send(sid, "pong", resp)
}
