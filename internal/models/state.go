package models

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a named phase of the conversation pipeline.
type Stage string

const (
	StageGreeting     Stage = "GREETING"
	StageDiscovery    Stage = "DISCOVERY"
	StageDetailing    Stage = "DETAILING"
	StageConfirmation Stage = "CONFIRMATION"
	StageScheduling   Stage = "SCHEDULING"
	StageReview       Stage = "REVIEW"
	StageComplete     Stage = "COMPLETE"
)

// Stages lists every stage in order of intended progress.
var Stages = []Stage{
	StageGreeting, StageDiscovery, StageDetailing, StageConfirmation,
	StageScheduling, StageReview, StageComplete,
}

// ConversationState is everything a session owns.
type ConversationState struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Stage     Stage          `json:"stage"`
	Assessed  bool           `json:"assessed"`
	Timezone  string         `json:"timezone"`
	HabitPlan *HabitPlan     `json:"habit_plan,omitempty"`
	Draft     *DraftSchedule `json:"draft_schedule,omitempty"`

	location *time.Location
}

// NewConversationState returns a fresh state in GREETING for the given timezone.
func NewConversationState(sessionID, userID, timezone string) (*ConversationState, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", timezone, err)
	}
	return &ConversationState{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     StageGreeting,
		Timezone:  timezone,
		location:  loc,
	}, nil
}

// Location returns the session's timezone.
func (s *ConversationState) Location() *time.Location {
	if s.location == nil {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		s.location = loc
	}
	return s.location
}

// SetStage moves to next; leaving a stage clears the assessment flag.
func (s *ConversationState) SetStage(next Stage) {
	if next != s.Stage {
		s.Assessed = false
	}
	s.Stage = next
}

// PlacementWarning reports a habit occurrence that could not be placed.
type PlacementWarning struct {
	Habit  string `json:"habit"`
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

func (w PlacementWarning) String() string {
	return fmt.Sprintf("could not place %s on %s: %s", w.Habit, w.Date, w.Reason)
}

// FailureKind tells calendar read failures from write failures.
type FailureKind string

const (
	CalendarReadFailure  FailureKind = "read"
	CalendarWriteFailure FailureKind = "write"
)

// CalendarFailure is a non-fatal failure of one calendar call.
type CalendarFailure struct {
	Kind       FailureKind
	CalendarID string
	ItemID     string
	Summary    string
	Err        error
}

func (f CalendarFailure) Error() string {
	if f.Kind == CalendarWriteFailure {
		return fmt.Sprintf("could not create %q (%s): %v", f.Summary, f.ItemID, f.Err)
	}
	return fmt.Sprintf("could not read calendar %s: %v", f.CalendarID, f.Err)
}

func (f CalendarFailure) Unwrap() error { return f.Err }

// SummarizeFailures joins failures into one status line.
func SummarizeFailures(failures []CalendarFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Error())
	}
	return strings.Join(parts, "; ")
}
