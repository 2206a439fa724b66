package domain

import "time"

type (
	PlanID         string
	ConversationID string
)

type Routine struct {
	Name        string   `json:"name" firestore:"name"`
	Sets        *int     `json:"sets,omitempty" firestore:"sets,omitempty"`
	Reps        *int     `json:"reps,omitempty" firestore:"reps,omitempty"`
	Duration    string   `json:"duration,omitempty" firestore:"duration,omitempty"`
	Description string   `json:"description,omitempty" firestore:"description,omitempty"`
	Exercises   []string `json:"exercises,omitempty" firestore:"exercises,omitempty"`
}

type WorkoutDay struct {
	Day      string    `json:"day" firestore:"day"`
	Routines []Routine `json:"routines" firestore:"routines"`
}

type WorkoutPlan struct {
	Schedule  []string     `json:"schedule" firestore:"schedule"`
	Exercises []WorkoutDay `json:"exercises" firestore:"exercises"`
}

type Meal struct {
	Name  string   `json:"name" firestore:"name"`
	Foods []string `json:"foods" firestore:"foods"`
}

type DietPlan struct {
	DailyCalories int    `json:"dailyCalories" firestore:"dailyCalories"`
	Meals         []Meal `json:"meals" firestore:"meals"`
}

type WellbeingPlan struct {
	FocusArea   string   `json:"focusArea" firestore:"focusArea"`
	DailyGoals  []string `json:"dailyGoals,omitempty" firestore:"dailyGoals,omitempty"`
	WeeklyGoals []string `json:"weeklyGoals,omitempty" firestore:"weeklyGoals,omitempty"`
	Resources   []string `json:"resources,omitempty" firestore:"resources,omitempty"`
	Notes       string   `json:"notes,omitempty" firestore:"notes,omitempty"`
}

// Plan is a generated program. At most one plan per user is active.
type Plan struct {
	ID        PlanID        `json:"id"`
	UserID    UserID        `json:"userId"`
	Name      string        `json:"name"`
	Workout   WorkoutPlan   `json:"workoutPlan"`
	Diet      DietPlan      `json:"dietPlan"`
	Wellbeing WellbeingPlan `json:"wellbeingPlan"`
	IsActive  bool          `json:"isActive"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Conversation archives the reconciled views of an ended session.
type Conversation struct {
	ID         ConversationID    `json:"id"`
	UserID     UserID            `json:"userId,omitempty"`
	Room       RoomName          `json:"room"`
	Transcript []TranscriptEntry `json:"transcript"`
	Chat       []ChatEntry       `json:"chat"`
	EndedAt    time.Time         `json:"endedAt"`
}
