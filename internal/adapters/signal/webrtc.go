package signal

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/adapters/rtc"
	"github.com/dkeye/mindflex/internal/core"
)

func (ctl *SignalWSController) sendCandidate(sid core.SessionID, ci webrtc.ICECandidateInit) {
	resp := struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	}{
		Type:      "candidate",
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.Orch.Send(sid, "candidate", resp)
}

// handleOffer answers the browser's media offer. A new offer replaces the
// previous media connection.
func (ctl *SignalWSController) handleOffer(ctx context.Context, sid core.SessionID, data []byte) {
	type offerPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad offer payload")
		ctl.sendError(sid, "bad_payload")
		return
	}

	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return
	}
	if old := sess.Media(); old != nil {
		old.Close()
	}

	wc, err := rtc.NewWebRTCConnection(rtc.DefaultWebRTCConfig(ctl.opts.ICEServers...), sid)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("webrtc new pc")
		ctl.sendError(sid, "media_unavailable")
		return
	}

	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(sid, ci)
	})

	ctl.Orch.BindMediaHandlers(wc, sid)
	sess.UpdateMedia(wc)

	if err = wc.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("webrtc start")
		wc.Close()
		return
	}

	answer, err := wc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("webrtc apply offer")
		ctl.sendError(sid, "bad_offer")
		wc.Close()
		return
	}

	ctl.Orch.OnMediaReady(sid)
	ctl.Orch.Send(sid, "answer", map[string]string{
		"type": "answer",
		"sdp":  answer.SDP,
	})
}

func (ctl *SignalWSController) handleCandidate(sid core.SessionID, data []byte) {
	type candidatePayload struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad candidate payload")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate: p.Candidate,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		log.Warn().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("candidate: no session for")
		return
	}
	mc := sess.Media()
	if mc == nil || mc.IsClosed() {
		log.Warn().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("candidate: no media connection for")
		return
	}
	if err := mc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("add ice candidate")
	}
}
