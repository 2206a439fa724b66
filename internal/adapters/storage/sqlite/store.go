// Package sqlite stores the document schema in a single SQLite file. Plan
// sections and conversation entries live in JSON columns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/dkeye/mindflex/internal/adapters/storage"
	"github.com/dkeye/mindflex/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	auth_id    TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	image      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	workout    TEXT NOT NULL,
	diet       TEXT NOT NULL,
	wellbeing  TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS plans_by_user ON plans(user_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS plans_one_active ON plans(user_id) WHERE is_active = 1;
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	room       TEXT NOT NULL,
	transcript TEXT NOT NULL,
	chat       TEXT NOT NULL,
	ended_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_by_user ON conversations(user_id, ended_at);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := storage.PrepareUser(u); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, auth_id, name, email, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(auth_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			image = excluded.image
	`, string(u.ID), u.AuthID, u.Name, u.Email, u.Image, millis(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.userWhere(ctx, "auth_id = ?", u.AuthID)
}

func (s *Store) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.userWhere(ctx, "id = ?", string(id))
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, auth_id, name, email, image, created_at FROM users WHERE `+cond, arg)

	var (
		u       domain.User
		id      string
		created int64
	)
	if err := row.Scan(&id, &u.AuthID, &u.Name, &u.Email, &u.Image, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = domain.UserID(id)
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// CreatePlan inserts p. An active plan deactivates the user's other plans in
// the same transaction.
func (s *Store) CreatePlan(ctx context.Context, p *domain.Plan) error {
	if err := storage.PreparePlan(p); err != nil {
		return err
	}
	workout, err := json.Marshal(p.Workout)
	if err != nil {
		return fmt.Errorf("encode workout: %w", err)
	}
	diet, err := json.Marshal(p.Diet)
	if err != nil {
		return fmt.Errorf("encode diet: %w", err)
	}
	wellbeing, err := json.Marshal(p.Wellbeing)
	if err != nil {
		return fmt.Errorf("encode wellbeing: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if p.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE plans SET is_active = 0 WHERE user_id = ? AND is_active = 1`, string(p.UserID)); err != nil {
			return fmt.Errorf("deactivate plans: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (id, user_id, name, workout, diet, wellbeing, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(p.ID), string(p.UserID), p.Name, string(workout), string(diet), string(wellbeing),
		p.IsActive, millis(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return tx.Commit()
}

const planColumns = `id, user_id, name, workout, diet, wellbeing, is_active, created_at`

func (s *Store) ListPlans(ctx context.Context, userID domain.UserID) ([]*domain.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE user_id = ? ORDER BY created_at DESC`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ActivePlan(ctx context.Context, userID domain.UserID) (*domain.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE user_id = ? AND is_active = 1`, string(userID))
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(sc scanner) (*domain.Plan, error) {
	var (
		p                        domain.Plan
		id, userID               string
		workout, diet, wellbeing string
		created                  int64
	)
	if err := sc.Scan(&id, &userID, &p.Name, &workout, &diet, &wellbeing, &p.IsActive, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.ID = domain.PlanID(id)
	p.UserID = domain.UserID(userID)
	p.CreatedAt = fromMillis(created)
	if err := json.Unmarshal([]byte(workout), &p.Workout); err != nil {
		return nil, fmt.Errorf("decode workout of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(diet), &p.Diet); err != nil {
		return nil, fmt.Errorf("decode diet of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(wellbeing), &p.Wellbeing); err != nil {
		return nil, fmt.Errorf("decode wellbeing of %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) SaveConversation(ctx context.Context, c *domain.Conversation) error {
	if err := storage.PrepareConversation(c); err != nil {
		return err
	}
	transcript, err := json.Marshal(c.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	chat, err := json.Marshal(c.Chat)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, room, transcript, chat, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(c.ID), string(c.UserID), string(c.Room), string(transcript), string(chat), millis(c.EndedAt))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userID domain.UserID) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, room, transcript, chat, ended_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY ended_at DESC
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		var (
			c                domain.Conversation
			id, uid, room    string
			transcript, chat string
			ended            int64
		)
		if err := rows.Scan(&id, &uid, &room, &transcript, &chat, &ended); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.ID = domain.ConversationID(id)
		c.UserID = domain.UserID(uid)
		c.Room = domain.RoomName(room)
		c.EndedAt = fromMillis(ended)
		if err := json.Unmarshal([]byte(transcript), &c.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript of %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(chat), &c.Chat); err != nil {
			return nil, fmt.Errorf("decode chat of %s: %w", id, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
