// Package app keeps track of the browsers currently attached to the server.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

type sessionEntry struct {
	Session    core.MemberSession
	Controller *lifecycle.Controller
	UserID     domain.UserID
	Cancel     context.CancelFunc
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

// BindSignal registers a freshly connected browser. A previous socket of the
// same browser is cancelled; its controller, if any, moves over.
func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &sessionEntry{Session: sess, Cancel: cancel}
	if old, ok := r.sessions[sid]; ok {
		if old.Cancel != nil {
			old.Cancel()
		}
		entry.Controller = old.Controller
		entry.UserID = old.UserID
	}
	r.sessions[sid] = entry
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// BindController attaches ctrl to sid and returns the controller it replaced.
func (r *Registry) BindController(sid core.SessionID, ctrl *lifecycle.Controller) (*lifecycle.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	prev := e.Controller
	e.Controller = ctrl
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound controller")
	return prev, true
}

func (r *Registry) Controller(sid core.SessionID) (*lifecycle.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Controller == nil {
		return nil, false
	}
	return e.Controller, true
}

func (r *Registry) SetUser(sid core.SessionID, uid domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.UserID = uid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("bound user")
	return true
}

func (r *Registry) UserOf(sid core.SessionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.UserID == "" {
		return "", false
	}
	return e.UserID, true
}

// Unbind forgets sid and hands back its controller for the caller to close.
// When sess is not nil the entry is only removed if it still holds sess.
func (r *Registry) Unbind(sid core.SessionID, sess core.MemberSession) (*lifecycle.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || (sess != nil && e.Session != sess) {
		return nil, false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Controller, true
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) SIDs() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}
