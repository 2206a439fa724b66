// Package orch ties browser sockets, lifecycle controllers, media relays and
// the conversation archive together.
package orch

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app"
	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/app/sfu"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

const DefaultRoom domain.RoomName = "mindflex-wellness"

type SessionConfig struct {
	Room              domain.RoomName
	NavigateDelay     time.Duration
	RedirectPath      string
	MirrorTranscripts bool
}

type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Creds    core.CredentialSource
	Dialer   core.Dialer
	// Store archives ended conversations; nil disables archiving.
	Store   core.ConversationStore
	Session SessionConfig
}

// Outbound frames of the presentation socket.

type StateMessage struct {
	Type  string             `json:"type"`
	State lifecycle.Snapshot `json:"state"`
}

type AlertMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type RedirectMessage struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Send encodes v and queues it on the browser's socket. Backpressure is
// resolved by the policy.
func (o *Orchestrator) Send(sid core.SessionID, frameType string, v any) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("type", frameType).Msg("marshal frame")
		return
	}
	err = sess.Signal().TrySend(b)
	if err == nil || !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(sid, frameType) {
	case app.KickMember:
		log.Warn().Str("module", "app.orch").Str("sid", string(sid)).Str("type", frameType).Msg("slow socket, kicking")
		o.Registry.Cancel(sid)
	case app.DropFrame, app.NoAction:
		log.Debug().Str("module", "app.orch").Str("sid", string(sid)).Str("type", frameType).Msg("frame dropped")
	}
}

func (o *Orchestrator) pushState(sid core.SessionID) {
	ctrl, ok := o.Registry.Controller(sid)
	if !ok {
		return
	}
	o.Send(sid, "state", StateMessage{Type: "state", State: ctrl.Snapshot()})
}

// Shutdown closes every controller, which cancels pending navigations and
// disconnects the rooms.
func (o *Orchestrator) Shutdown() {
	for _, sid := range o.Registry.SIDs() {
		o.Leave(sid, nil)
	}
}
