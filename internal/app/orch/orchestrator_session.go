package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/app/sfu"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

// StartSession runs the start command of one browser. An idle controller
// from a failed attempt is reused; an ended one is replaced.
func (o *Orchestrator) StartSession(ctx context.Context, sid core.SessionID, displayName string) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return fmt.Errorf("start %s: no session", sid)
	}

	ctrl, ok := o.Registry.Controller(sid)
	if ok && ctrl.Phase() == domain.PhaseEnded {
		ctrl.Close()
		ok = false
	}
	if !ok {
		ctrl = o.newController(sid, sess.Meta(), displayName)
		if prev, bound := o.Registry.BindController(sid, ctrl); !bound {
			return fmt.Errorf("start %s: socket gone", sid)
		} else if prev != nil && prev != ctrl {
			prev.Close()
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		o.Send(sid, "alert", AlertMessage{Type: "alert", Message: lifecycle.AlertConnectFailed})
		return err
	}
	o.attachRoomTracks(sid)
	return nil
}

func (o *Orchestrator) newController(sid core.SessionID, meta *domain.Participant, displayName string) *lifecycle.Controller {
	identity := meta.Identity
	if uid, ok := o.Registry.UserOf(sid); ok {
		identity = string(uid)
	}
	if displayName == "" {
		displayName = meta.Name
	}
	room := o.Session.Room
	if room == "" {
		room = DefaultRoom
	}

	var ctrl *lifecycle.Controller
	ctrl = lifecycle.NewController(o.Creds, o.Dialer, lifecycle.Options{
		Room:              room,
		Identity:          identity,
		DisplayName:       displayName,
		MirrorTranscripts: o.Session.MirrorTranscripts,
		NavigateDelay:     o.Session.NavigateDelay,
		OnChange:          func() { o.pushState(sid) },
		OnNavigate: func() {
			to := o.Session.RedirectPath
			if to == "" {
				to = "/profile"
			}
			o.Send(sid, "redirect", RedirectMessage{Type: "redirect", To: to})
		},
		OnEnded: func(snap lifecycle.Snapshot) {
			if o.Relays != nil {
				o.Relays.StopSession(sid)
			}
			o.archive(sid, snap)
		},
	})
	return ctrl
}

func (o *Orchestrator) SetMicrophone(ctx context.Context, sid core.SessionID, enabled *bool) {
	ctrl, ok := o.Registry.Controller(sid)
	if !ok {
		return
	}
	if enabled == nil {
		ctrl.ToggleMicrophone(ctx)
	} else {
		ctrl.SetMicrophone(ctx, *enabled)
	}
	if o.Relays != nil {
		o.Relays.SetMuted(sfu.Key{SID: sid, Kind: domain.TrackAudio}, !ctrl.MicEnabled())
	}
}

func (o *Orchestrator) SetCamera(ctx context.Context, sid core.SessionID, enabled *bool) {
	ctrl, ok := o.Registry.Controller(sid)
	if !ok {
		return
	}
	if enabled == nil {
		ctrl.ToggleCamera(ctx)
	} else {
		ctrl.SetCamera(ctx, *enabled)
	}
	if o.Relays != nil {
		on := ctrl.Snapshot().CameraEnabled
		o.Relays.SetMuted(sfu.Key{SID: sid, Kind: domain.TrackVideo}, !on)
		if on {
			o.attachRoomTracks(sid)
		}
	}
}

func (o *Orchestrator) SendChat(ctx context.Context, sid core.SessionID, text string) {
	if ctrl, ok := o.Registry.Controller(sid); ok {
		ctrl.SendChat(ctx, text)
	}
}

func (o *Orchestrator) EndSession(sid core.SessionID) {
	if ctrl, ok := o.Registry.Controller(sid); ok {
		ctrl.End()
	}
}

// Snapshot is the current state of sid, or an idle snapshot.
func (o *Orchestrator) Snapshot(sid core.SessionID) lifecycle.Snapshot {
	if ctrl, ok := o.Registry.Controller(sid); ok {
		return ctrl.Snapshot()
	}
	return lifecycle.Snapshot{Phase: domain.PhaseIdle, Status: "Ready"}
}

// Leave runs when the browser's socket goes away. A non-nil sess guards
// against a stale socket tearing down a newer one.
func (o *Orchestrator) Leave(sid core.SessionID, sess core.MemberSession) {
	if sess == nil {
		sess, _ = o.Registry.GetSession(sid)
	}
	ctrl, ok := o.Registry.Unbind(sid, sess)
	if !ok {
		return
	}
	o.cleanupMedia(sid, sess)
	if ctrl != nil {
		ctrl.Close()
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("browser left")
}

func (o *Orchestrator) archive(sid core.SessionID, snap lifecycle.Snapshot) {
	if o.Store == nil {
		return
	}
	uid, _ := o.Registry.UserOf(sid)
	conv := &domain.Conversation{
		ID:         domain.ConversationID(uuid.NewString()),
		UserID:     uid,
		Room:       snap.Room,
		Transcript: snap.Transcript,
		Chat:       snap.Chat,
		EndedAt:    time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.Store.SaveConversation(ctx, conv); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("sid", string(sid)).Msg("archive conversation")
			return
		}
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("conversation", string(conv.ID)).
			Int("transcript", len(conv.Transcript)).Int("chat", len(conv.Chat)).Msg("conversation archived")
	}()
}
