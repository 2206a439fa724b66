// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrAuthIDEmpty     = errors.New("auth id empty")
)

type UserID string

// User is the profile record synced from the auth provider.
type User struct {
	ID        UserID    `json:"id"`
	AuthID    string    `json:"authId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(authID, name, email string) (*User, error) {
	if authID == "" {
		return nil, ErrAuthIDEmpty
	}
	if len(authID) > MaxUserIDLen {
		return nil, ErrUsernameTooLong
	}
	u := &User{ID: UserID(uuid.NewString()), AuthID: authID, Email: email, CreatedAt: time.Now().UTC()}
	if err := u.SetName(name); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Name = name
	return nil
}
