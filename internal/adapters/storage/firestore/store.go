// Package firestore keeps users, plans and conversations in Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dkeye/mindflex/internal/adapters/storage"
	"github.com/dkeye/mindflex/internal/domain"
)

type Store struct {
	client *firestore.Client
}

// NewStore connects to the project. FIRESTORE_EMULATOR_HOST is honored by the
// client library.
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) usersCol() *firestore.CollectionRef { return s.client.Collection("users") }
func (s *Store) plansCol() *firestore.CollectionRef { return s.client.Collection("plans") }
func (s *Store) conversationsCol() *firestore.CollectionRef {
	return s.client.Collection("conversations")
}

type userDoc struct {
	AuthID    string    `firestore:"auth_id"`
	Name      string    `firestore:"name"`
	Email     string    `firestore:"email"`
	Image     string    `firestore:"image"`
	CreatedAt time.Time `firestore:"created_at"`
}

type planDoc struct {
	UserID    string               `firestore:"user_id"`
	Name      string               `firestore:"name"`
	Workout   domain.WorkoutPlan   `firestore:"workout_plan"`
	Diet      domain.DietPlan      `firestore:"diet_plan"`
	Wellbeing domain.WellbeingPlan `firestore:"wellbeing_plan"`
	IsActive  bool                 `firestore:"is_active"`
	CreatedAt time.Time            `firestore:"created_at"`
}

type transcriptDoc struct {
	Content   string    `firestore:"content"`
	Role      string    `firestore:"role"`
	Timestamp time.Time `firestore:"timestamp"`
	Modality  string    `firestore:"type"`
}

type chatDoc struct {
	Message   string    `firestore:"message"`
	From      string    `firestore:"from"`
	Timestamp time.Time `firestore:"timestamp"`
	Kind      string    `firestore:"type"`
}

type conversationDoc struct {
	UserID     string          `firestore:"user_id"`
	Room       string          `firestore:"room"`
	Transcript []transcriptDoc `firestore:"transcript"`
	Chat       []chatDoc       `firestore:"chat"`
	EndedAt    time.Time       `firestore:"ended_at"`
}

func toUser(id string, d userDoc) *domain.User {
	return &domain.User{
		ID:        domain.UserID(id),
		AuthID:    d.AuthID,
		Name:      d.Name,
		Email:     d.Email,
		Image:     d.Image,
		CreatedAt: d.CreatedAt,
	}
}

func toPlan(id string, d planDoc) *domain.Plan {
	return &domain.Plan{
		ID:        domain.PlanID(id),
		UserID:    domain.UserID(d.UserID),
		Name:      d.Name,
		Workout:   d.Workout,
		Diet:      d.Diet,
		Wellbeing: d.Wellbeing,
		IsActive:  d.IsActive,
		CreatedAt: d.CreatedAt,
	}
}

// UpsertUser matches on auth id. An existing profile keeps its id and
// creation time.
func (s *Store) UpsertUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := storage.PrepareUser(u); err != nil {
		return nil, err
	}
	var out *domain.User
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		q := s.usersCol().Where("auth_id", "==", u.AuthID).Limit(1)
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			var doc userDoc
			if err := snaps[0].DataTo(&doc); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
			doc.Name, doc.Email, doc.Image = u.Name, u.Email, u.Image
			out = toUser(snaps[0].Ref.ID, doc)
			return tx.Set(snaps[0].Ref, map[string]interface{}{
				"name":  u.Name,
				"email": u.Email,
				"image": u.Image,
			}, firestore.MergeAll)
		}
		doc := userDoc{AuthID: u.AuthID, Name: u.Name, Email: u.Email, Image: u.Image, CreatedAt: u.CreatedAt}
		out = toUser(string(u.ID), doc)
		return tx.Create(s.usersCol().Doc(string(u.ID)), doc)
	})
	if err != nil {
		return nil, fmt.Errorf("firestore UpsertUser: %w", err)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	snap, err := s.usersCol().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("firestore GetUser: %w", err)
	}
	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetUser decode: %w", err)
	}
	return toUser(snap.Ref.ID, doc), nil
}

// CreatePlan writes the plan and, when it is active, clears the flag on the
// user's other plans inside one transaction.
func (s *Store) CreatePlan(ctx context.Context, p *domain.Plan) error {
	if err := storage.PreparePlan(p); err != nil {
		return err
	}
	doc := planDoc{
		UserID:    string(p.UserID),
		Name:      p.Name,
		Workout:   p.Workout,
		Diet:      p.Diet,
		Wellbeing: p.Wellbeing,
		IsActive:  p.IsActive,
		CreatedAt: p.CreatedAt,
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var active []*firestore.DocumentSnapshot
		if p.IsActive {
			q := s.plansCol().
				Where("user_id", "==", string(p.UserID)).
				Where("is_active", "==", true)
			snaps, err := tx.Documents(q).GetAll()
			if err != nil {
				return err
			}
			active = snaps
		}
		// all reads happen before the first write
		for _, snap := range active {
			if err := tx.Update(snap.Ref, []firestore.Update{{Path: "is_active", Value: false}}); err != nil {
				return err
			}
		}
		return tx.Create(s.plansCol().Doc(string(p.ID)), doc)
	})
	if err != nil {
		return fmt.Errorf("firestore CreatePlan: %w", err)
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, userID domain.UserID) ([]*domain.Plan, error) {
	q := s.plansCol().Where("user_id", "==", string(userID)).OrderBy("created_at", firestore.Desc)
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Plan
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListPlans: %w", err)
		}
		var doc planDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode planDoc: %w", err)
		}
		out = append(out, toPlan(snap.Ref.ID, doc))
	}
	return out, nil
}

func (s *Store) ActivePlan(ctx context.Context, userID domain.UserID) (*domain.Plan, error) {
	q := s.plansCol().
		Where("user_id", "==", string(userID)).
		Where("is_active", "==", true).
		Limit(1)
	iter := q.Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("firestore ActivePlan: %w", err)
	}
	var doc planDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode planDoc: %w", err)
	}
	return toPlan(snap.Ref.ID, doc), nil
}

func (s *Store) SaveConversation(ctx context.Context, c *domain.Conversation) error {
	if err := storage.PrepareConversation(c); err != nil {
		return err
	}
	doc := conversationDoc{
		UserID:  string(c.UserID),
		Room:    string(c.Room),
		EndedAt: c.EndedAt,
	}
	for _, e := range c.Transcript {
		doc.Transcript = append(doc.Transcript, transcriptDoc{
			Content: e.Content, Role: string(e.Role), Timestamp: e.Timestamp, Modality: e.Modality,
		})
	}
	for _, e := range c.Chat {
		doc.Chat = append(doc.Chat, chatDoc{
			Message: e.Message, From: string(e.From), Timestamp: e.Timestamp, Kind: string(e.Kind),
		})
	}
	if _, err := s.conversationsCol().Doc(string(c.ID)).Create(ctx, doc); err != nil {
		return fmt.Errorf("firestore SaveConversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userID domain.UserID) ([]*domain.Conversation, error) {
	q := s.conversationsCol().Where("user_id", "==", string(userID)).OrderBy("ended_at", firestore.Desc)
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Conversation
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListConversations: %w", err)
		}
		var doc conversationDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode conversationDoc: %w", err)
		}
		c := &domain.Conversation{
			ID:      domain.ConversationID(snap.Ref.ID),
			UserID:  domain.UserID(doc.UserID),
			Room:    domain.RoomName(doc.Room),
			EndedAt: doc.EndedAt,
		}
		for _, e := range doc.Transcript {
			c.Transcript = append(c.Transcript, domain.TranscriptEntry{
				Content: e.Content, Role: domain.Role(e.Role), Timestamp: e.Timestamp, Modality: e.Modality,
			})
		}
		for _, e := range doc.Chat {
			c.Chat = append(c.Chat, domain.ChatEntry{
				Message: e.Message, From: domain.Sender(e.From), Timestamp: e.Timestamp, Kind: domain.ChatKind(e.Kind),
			})
		}
		out = append(out, c)
	}
	return out, nil
}
