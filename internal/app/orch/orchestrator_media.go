package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/sfu"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

const roomSink = "room"

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, kindOf(track.Kind()), track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

// OnMediaReady runs once the browser's offer has been answered.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	o.attachRoomTracks(sid)
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopSession(sid)
	}
}

// OnTrack is called when the browser starts sending a microphone or camera
// track. It is relayed into the room once a session is live.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, kind domain.TrackKind, src sfu.Source) {
	if o.Relays == nil {
		return
	}
	if sess, ok := o.Registry.GetSession(sid); !ok || sess.Media() == nil {
		return
	}
	key := sfu.Key{SID: sid, Kind: kind}
	o.Relays.StartRelay(ctx, key, src)
	if ctrl, ok := o.Registry.Controller(sid); ok {
		snap := ctrl.Snapshot()
		muted := !snap.MicEnabled
		if kind == domain.TrackVideo {
			muted = !snap.CameraEnabled
		}
		o.Relays.SetMuted(key, muted)
	}
	o.attachRoomTracks(sid)
}

// attachRoomTracks points the browser's relays at the local tracks of the
// live room session, if both exist.
func (o *Orchestrator) attachRoomTracks(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	ctrl, ok := o.Registry.Controller(sid)
	if !ok {
		return
	}
	client, ok := ctrl.Session()
	if !ok {
		return
	}
	provider, ok := client.(core.LocalTrackProvider)
	if !ok {
		return
	}
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		key := sfu.Key{SID: sid, Kind: kind}
		if !o.Relays.HasRelay(key) || o.Relays.Sinks(key) > 0 {
			continue
		}
		track := provider.LocalTrack(kind)
		if track == nil {
			continue
		}
		if o.Relays.AddSink(key, roomSink, track) {
			log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("kind", string(kind)).Msg("browser media relayed into room")
		}
	}
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID, sess core.MemberSession) {
	if o.Relays != nil {
		o.Relays.StopSession(sid)
	}
	if sess == nil {
		return
	}
	if mc := sess.Media(); mc != nil && !mc.IsClosed() {
		mc.Close()
	}
}

func kindOf(t webrtc.RTPCodecType) domain.TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}
