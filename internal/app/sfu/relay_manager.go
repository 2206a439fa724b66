// Package sfu forwards the browser's media into the room's local tracks.
package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

// Key identifies one relay: a browser session and a media kind.
type Key struct {
	SID  core.SessionID
	Kind domain.TrackKind
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[Key]*Relay
	muted  map[Key]bool
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[Key]*Relay),
		muted:  make(map[Key]bool),
	}
}

// StartRelay creates a new Relay for key and starts its loop. A previous
// relay for the same key is stopped.
func (m *RelayManager) StartRelay(ctx context.Context, key Key, src Source) {
	logger := log.With().
		Str("module", "app.sfu").
		Str("sid", string(key.SID)).
		Str("kind", string(key.Kind)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	relay.muted = m.muted[key]
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// AddSink attaches a destination to the relay of key. It reports false when
// no relay is running for key yet.
func (m *RelayManager) AddSink(key Key, name string, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok || sink == nil {
		return false
	}
	relay.AddOutTrack(name, NewOutTrack(sink))
	return true
}

// SetMuted pauses or resumes forwarding for key. The state is remembered for
// relays started later.
func (m *RelayManager) SetMuted(key Key, muted bool) {
	m.mu.Lock()
	m.muted[key] = muted
	relay, ok := m.relays[key]
	m.mu.Unlock()
	if ok {
		relay.setMuted(muted)
	}
}

// MarkSinkDelete detaches one destination from the relay of key.
func (m *RelayManager) MarkSinkDelete(key Key, name string) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outTracks[name]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopSession stops every relay of sid and forgets its mute state.
func (m *RelayManager) StopSession(sid core.SessionID) {
	m.mu.Lock()
	var stopped []*Relay
	for key, relay := range m.relays {
		if key.SID == sid {
			stopped = append(stopped, relay)
			delete(m.relays, key)
		}
	}
	for key := range m.muted {
		if key.SID == sid {
			delete(m.muted, key)
		}
	}
	m.mu.Unlock()

	for _, relay := range stopped {
		relay.markAllDelete()
		if relay.cancel != nil {
			relay.cancel()
		}
	}
}

// HasRelay reports whether a relay exists for key.
func (m *RelayManager) HasRelay(key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// Sinks returns how many destinations the relay of key currently has.
func (m *RelayManager) Sinks(key Key) int {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.outCount()
}
