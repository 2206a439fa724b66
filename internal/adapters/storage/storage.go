// Package storage holds what the storage backends share.
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/mindflex/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid document")
)

// PreparePlan validates p and fills in the id and creation time.
func PreparePlan(p *domain.Plan) error {
	if p == nil || p.UserID == "" {
		return ErrInvalid
	}
	if p.ID == "" {
		p.ID = domain.PlanID(uuid.NewString())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return nil
}

// PrepareUser validates u for an upsert keyed by auth id.
func PrepareUser(u *domain.User) error {
	if u == nil || u.AuthID == "" {
		return ErrInvalid
	}
	if u.ID == "" {
		u.ID = domain.UserID(uuid.NewString())
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return nil
}

func PrepareConversation(c *domain.Conversation) error {
	if c == nil {
		return ErrInvalid
	}
	if c.ID == "" {
		c.ID = domain.ConversationID(uuid.NewString())
	}
	if c.EndedAt.IsZero() {
		c.EndedAt = time.Now().UTC()
	}
	return nil
}
