package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/mindflex/internal/domain"
)

// Snapshot is a read-only copy of the reconciled state.
type Snapshot struct {
	Transcript   []domain.TranscriptEntry `json:"transcript"`
	Chat         []domain.ChatEntry       `json:"chat"`
	Participants []domain.Participant     `json:"participants"`
}

// Views owns the transcript and chat sequences of one session.
// Both are append-only; timestamps never go backwards within a view.
type Views struct {
	mu           sync.RWMutex
	transcript   []domain.TranscriptEntry
	chat         []domain.ChatEntry
	participants map[string]domain.Participant
}

func NewViews() *Views {
	return &Views{participants: make(map[string]domain.Participant)}
}

func (v *Views) AppendTranscript(e domain.TranscriptEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := len(v.transcript); n > 0 {
		e.Timestamp = notBefore(e.Timestamp, v.transcript[n-1].Timestamp)
	}
	v.transcript = append(v.transcript, e)
}

func (v *Views) AppendChat(e domain.ChatEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := len(v.chat); n > 0 {
		e.Timestamp = notBefore(e.Timestamp, v.chat[n-1].Timestamp)
	}
	v.chat = append(v.chat, e)
}

func (v *Views) Len() (transcript, chat int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.transcript), len(v.chat)
}

func (v *Views) putParticipant(p domain.Participant) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.participants[p.Identity] = p
}

func (v *Views) dropParticipant(identity string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.participants, identity)
}

func (v *Views) setTrack(identity string, kind domain.TrackKind, published bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.participants[identity]
	if !ok {
		return false
	}
	switch kind {
	case domain.TrackAudio:
		p.Audio = published
	case domain.TrackVideo:
		p.Video = published
	}
	v.participants[identity] = p
	return true
}

func (v *Views) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Snapshot{
		Transcript:   make([]domain.TranscriptEntry, len(v.transcript)),
		Chat:         make([]domain.ChatEntry, len(v.chat)),
		Participants: make([]domain.Participant, 0, len(v.participants)),
	}
	copy(s.Transcript, v.transcript)
	copy(s.Chat, v.chat)
	for _, p := range v.participants {
		s.Participants = append(s.Participants, p)
	}
	sort.Slice(s.Participants, func(i, j int) bool {
		return s.Participants[i].Identity < s.Participants[j].Identity
	})
	return s
}

func notBefore(t, last time.Time) time.Time {
	if t.Before(last) {
		return last
	}
	return t
}
