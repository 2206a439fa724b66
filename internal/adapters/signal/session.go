package signal

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

type startPayload struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type togglePayload struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type chatPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleStart connects off the read loop so end and mic commands are not
// stuck behind credential and dial round trips.
func (ctl *SignalWSController) handleStart(ctx context.Context, sid core.SessionID, data []byte) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad start payload")
		ctl.sendError(sid, "bad_payload")
		return
	}
	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("start rate limited")
		ctl.sendError(sid, "too_many_attempts")
		return
	}

	name := strings.TrimSpace(p.Name)
	if p.UserID != "" && ctl.Users != nil {
		u, err := ctl.Users.GetUser(ctx, domain.UserID(p.UserID))
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.signal").Str("user", p.UserID).Msg("start: unknown user")
			ctl.sendError(sid, "unknown_user")
			return
		}
		ctl.Orch.Registry.SetUser(sid, u.ID)
		if name == "" {
			name = u.Name
		}
	}

	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("start")
	go func() {
		err := ctl.Orch.StartSession(ctx, sid, name)
		switch {
		case err == nil:
		case errors.Is(err, lifecycle.ErrNotIdle):
			ctl.sendError(sid, "already_started")
		default:
			log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("start failed")
		}
	}()
}

func (ctl *SignalWSController) handleMicrophone(ctx context.Context, sid core.SessionID, data []byte) {
	var p togglePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sid, "bad_payload")
		return
	}
	ctl.Orch.SetMicrophone(ctx, sid, p.Enabled)
}

func (ctl *SignalWSController) handleCamera(ctx context.Context, sid core.SessionID, data []byte) {
	var p togglePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sid, "bad_payload")
		return
	}
	ctl.Orch.SetCamera(ctx, sid, p.Enabled)
}

func (ctl *SignalWSController) handleChat(ctx context.Context, sid core.SessionID, data []byte) {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(sid, "bad_payload")
		return
	}
	ctl.Orch.SendChat(ctx, sid, p.Text)
}

func (ctl *SignalWSController) handleEnd(sid core.SessionID) {
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("end")
	ctl.Orch.EndSession(sid)
}
