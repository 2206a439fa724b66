// Package storagetest runs the same behavioral checks against every
// core.Store backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/mindflex/internal/adapters/storage"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

// Run executes the suite. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) core.Store) {
	t.Run("UpsertUserByAuthID", func(t *testing.T) { testUpsertUser(t, open(t)) })
	t.Run("UnknownUser", func(t *testing.T) { testUnknownUser(t, open(t)) })
	t.Run("OneActivePlan", func(t *testing.T) { testOneActivePlan(t, open(t)) })
	t.Run("InactivePlanKeepsActive", func(t *testing.T) { testInactivePlan(t, open(t)) })
	t.Run("PlanWithoutUser", func(t *testing.T) { testPlanWithoutUser(t, open(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, open(t)) })
}

func testUpsertUser(t *testing.T, s core.Store) {
	ctx := context.Background()
	first, err := s.UpsertUser(ctx, &domain.User{AuthID: "auth-1", Name: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("id not assigned")
	}

	second, err := s.UpsertUser(ctx, &domain.User{AuthID: "auth-1", Name: "Ada L", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed: %s -> %s", first.ID, second.ID)
	}

	got, err := s.GetUser(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ada L" || got.AuthID != "auth-1" {
		t.Fatalf("unexpected user %+v", got)
	}

	if _, err := s.UpsertUser(ctx, &domain.User{Name: "no auth"}); !errors.Is(err, storage.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func testUnknownUser(t *testing.T, s core.Store) {
	if _, err := s.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.ActivePlan(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound for plan, got %v", err)
	}
}

func plan(user domain.UserID, name string, active bool, at time.Time) *domain.Plan {
	sets := 3
	return &domain.Plan{
		UserID: user,
		Name:   name,
		Workout: domain.WorkoutPlan{
			Schedule: []string{"Mon", "Thu"},
			Exercises: []domain.WorkoutDay{{
				Day:      "Mon",
				Routines: []domain.Routine{{Name: "Squat", Sets: &sets, Duration: "20m"}},
			}},
		},
		Diet: domain.DietPlan{
			DailyCalories: 2200,
			Meals:         []domain.Meal{{Name: "Breakfast", Foods: []string{"oats"}}},
		},
		Wellbeing: domain.WellbeingPlan{FocusArea: "sleep", DailyGoals: []string{"wind down"}},
		IsActive:  active,
		CreatedAt: at,
	}
}

func testOneActivePlan(t *testing.T, s core.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	older := plan("u1", "first", true, base)
	if err := s.CreatePlan(ctx, older); err != nil {
		t.Fatalf("create: %v", err)
	}
	newer := plan("u1", "second", true, base.Add(time.Hour))
	if err := s.CreatePlan(ctx, newer); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := s.CreatePlan(ctx, plan("u2", "other user", true, base)); err != nil {
		t.Fatalf("create other: %v", err)
	}

	active, err := s.ActivePlan(ctx, "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != newer.ID {
		t.Fatalf("active = %s, want %s", active.Name, newer.Name)
	}
	if active.Diet.DailyCalories != 2200 || len(active.Workout.Exercises) != 1 ||
		*active.Workout.Exercises[0].Routines[0].Sets != 3 {
		t.Fatalf("plan sections lost: %+v", active)
	}

	plans, err := s.ListPlans(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("got %d plans", len(plans))
	}
	if plans[0].ID != newer.ID {
		t.Fatal("plans not newest first")
	}
	n := 0
	for _, p := range plans {
		if p.IsActive {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d active plans", n)
	}

	if other, err := s.ActivePlan(ctx, "u2"); err != nil || other.Name != "other user" {
		t.Fatalf("other user's plan touched: %v %+v", err, other)
	}
}

func testInactivePlan(t *testing.T, s core.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	active := plan("u1", "current", true, now)
	if err := s.CreatePlan(ctx, active); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreatePlan(ctx, plan("u1", "draft", false, now.Add(time.Minute))); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	got, err := s.ActivePlan(ctx, "u1")
	if err != nil || got.ID != active.ID {
		t.Fatalf("active plan changed: %v %+v", err, got)
	}
}

func testPlanWithoutUser(t *testing.T, s core.Store) {
	if err := s.CreatePlan(context.Background(), &domain.Plan{Name: "orphan"}); !errors.Is(err, storage.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func testConversations(t *testing.T, s core.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	early := &domain.Conversation{
		UserID: "u1",
		Room:   "mindflex-wellness",
		Transcript: []domain.TranscriptEntry{
			{Content: "hello", Role: domain.RoleAssistant, Timestamp: base, Modality: domain.ModalityVoice},
		},
		Chat: []domain.ChatEntry{
			{Message: "hi", From: domain.SenderYou, Timestamp: base, Kind: domain.ChatKindChat},
		},
		EndedAt: base,
	}
	late := &domain.Conversation{UserID: "u1", Room: "mindflex-wellness", EndedAt: base.Add(time.Hour)}
	for _, c := range []*domain.Conversation{early, late} {
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.SaveConversation(ctx, &domain.Conversation{UserID: "u2", Room: "r"}); err != nil {
		t.Fatalf("save other: %v", err)
	}

	got, err := s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations", len(got))
	}
	if got[0].ID != late.ID || got[1].ID != early.ID {
		t.Fatal("conversations not most recent first")
	}
	if len(got[1].Transcript) != 1 || got[1].Transcript[0].Role != domain.RoleAssistant {
		t.Fatalf("transcript lost: %+v", got[1].Transcript)
	}
	if len(got[1].Chat) != 1 || got[1].Chat[0].From != domain.SenderYou {
		t.Fatalf("chat lost: %+v", got[1].Chat)
	}
}
