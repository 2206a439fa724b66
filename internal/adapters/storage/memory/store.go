// Package memory is the in-process store used by default and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/mindflex/internal/adapters/storage"
	"github.com/dkeye/mindflex/internal/domain"
)

type Store struct {
	mu            sync.RWMutex
	users         map[domain.UserID]*domain.User
	byAuth        map[string]domain.UserID
	plans         map[domain.PlanID]*domain.Plan
	conversations map[domain.ConversationID]*domain.Conversation
}

func NewStore() *Store {
	return &Store{
		users:         make(map[domain.UserID]*domain.User),
		byAuth:        make(map[string]domain.UserID),
		plans:         make(map[domain.PlanID]*domain.Plan),
		conversations: make(map[domain.ConversationID]*domain.Conversation),
	}
}

func (s *Store) UpsertUser(_ context.Context, u *domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAuth[u.AuthID]; ok && u.AuthID != "" {
		cur := *s.users[id]
		cur.Name, cur.Email, cur.Image = u.Name, u.Email, u.Image
		s.users[id] = &cur
		out := cur
		return &out, nil
	}
	if err := storage.PrepareUser(u); err != nil {
		return nil, err
	}
	cp := *u
	s.users[cp.ID] = &cp
	s.byAuth[cp.AuthID] = cp.ID
	out := cp
	return &out, nil
}

func (s *Store) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *Store) CreatePlan(_ context.Context, p *domain.Plan) error {
	if err := storage.PreparePlan(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsActive {
		for _, other := range s.plans {
			if other.UserID == p.UserID {
				other.IsActive = false
			}
		}
	}
	cp := *p
	s.plans[cp.ID] = &cp
	return nil
}

// ListPlans returns the user's plans, newest first.
func (s *Store) ListPlans(_ context.Context, userID domain.UserID) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Plan
	for _, p := range s.plans {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActivePlan(_ context.Context, userID domain.UserID) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.UserID == userID && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SaveConversation(_ context.Context, c *domain.Conversation) error {
	if err := storage.PrepareConversation(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[cp.ID] = &cp
	return nil
}

// ListConversations returns the user's archived sessions, most recent first.
func (s *Store) ListConversations(_ context.Context, userID domain.UserID) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }
