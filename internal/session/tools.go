package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"habitcal/internal/busy"
	"habitcal/internal/models"
	"habitcal/internal/planner"
	"habitcal/internal/stage"
	"habitcal/internal/store"
	"habitcal/internal/syncchannel"
)

// Operation names of the dispatch table.
const (
	OpAssessUserInput    = "assess_user_input"
	OpSaveHabitPlan      = "save_habit_plan"
	OpGenerateDraft      = "generate_draft_schedule"
	OpConfirmDraft       = "confirm_draft_schedule"
	OpResetSession       = "reset_session"
	OpSaveNote           = "save_note"
	OpRecallNote         = "recall_note"
	OpListMemories       = "list_memories"
	OpListCalendarEvents = "list_calendar_events"
)

// Classifications accepted by assess_user_input.
const (
	ClassSmallTalk       = "small_talk"
	ClassGoalsShared     = "goals_shared"
	ClassDetailsComplete = "details_complete"
	ClassUnclear         = "unclear"
)

// fetchMargin widens month reads so events straddling the month edges are seen.
const fetchMargin = 24 * time.Hour

var stageGuidance = map[models.Stage]string{
	models.StageGreeting:     "Greet the user and ask what habits they want to build.",
	models.StageDiscovery:    "Ask which habits or goals matter most to them.",
	models.StageDetailing:    "Collect cadence, duration and preferred time for each habit.",
	models.StageConfirmation: "Read the habit list back and save it once the user agrees.",
	models.StageScheduling:   "Generate the draft schedule.",
	models.StageReview:       "Walk the user through the draft and confirm it when they are happy.",
	models.StageComplete:     "The schedule is booked. Offer to start over.",
}

// Deps are the collaborators the tool handlers use.
type Deps struct {
	Planner   *planner.Engine
	Calendars *Calendars
	Store     store.Store
	Publisher syncchannel.Publisher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Toolkit implements the session operations on top of its collaborators.
type Toolkit struct {
	logger *slog.Logger
	deps   Deps
}

// NewToolkit creates a Toolkit.
func NewToolkit(logger *slog.Logger, deps Deps) *Toolkit {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Toolkit{logger: logger, deps: deps}
}

// NewController returns a stage controller with every operation registered.
func (t *Toolkit) NewController() *stage.Controller {
	c := stage.New(t.logger)
	t.Register(c)
	return c
}

// Register adds the operations to c.
func (t *Toolkit) Register(c *stage.Controller) {
	c.Register(stage.Operation{
		Name:        OpAssessUserInput,
		Description: "Classify the user's latest input as small_talk, goals_shared, details_complete or unclear.",
		ValidFrom:   []models.Stage{models.StageGreeting, models.StageDiscovery, models.StageDetailing, models.StageConfirmation},
		Classifies:  true,
		Handler:     t.assessUserInput,
	})
	c.Register(stage.Operation{
		Name:        OpSaveHabitPlan,
		Description: "Save the finalized list of habits with cadence, duration and preferred time.",
		ValidFrom:   []models.Stage{models.StageDetailing, models.StageConfirmation, models.StageReview},
		Resulting:   models.StageScheduling,
		Handler:     t.saveHabitPlan,
	})
	c.Register(stage.Operation{
		Name:        OpGenerateDraft,
		Description: "Place the saved habits around existing calendar events for a month.",
		ValidFrom:   []models.Stage{models.StageScheduling, models.StageReview},
		Resulting:   models.StageReview,
		Precondition: func(st *models.ConversationState) error {
			if st.HabitPlan == nil {
				return errors.New("save a habit plan first")
			}
			return nil
		},
		Handler: t.generateDraft,
	})
	c.Register(stage.Operation{
		Name:        OpConfirmDraft,
		Description: "Create the draft's habit sessions on the calendar.",
		ValidFrom:   []models.Stage{models.StageReview, models.StageComplete},
		Resulting:   models.StageComplete,
		Precondition: func(st *models.ConversationState) error {
			if st.Draft == nil {
				return errors.New("no draft schedule exists, generate one first")
			}
			return nil
		},
		Handler: t.confirmDraft,
	})
	c.Register(stage.Operation{
		Name:        OpResetSession,
		Description: "Start a new scheduling cycle.",
		ValidFrom:   []models.Stage{models.StageComplete},
		Resulting:   models.StageGreeting,
		Handler:     t.resetSession,
	})
	c.Register(stage.Operation{
		Name:        OpSaveNote,
		Description: "Save a note to memory for later recall.",
		Handler:     t.saveNote,
	})
	c.Register(stage.Operation{
		Name:        OpRecallNote,
		Description: "Recall a note from memory by key.",
		Handler:     t.recallNote,
	})
	c.Register(stage.Operation{
		Name:        OpListMemories,
		Description: "List all saved memory keys and values.",
		Handler:     t.listMemories,
	})
	c.Register(stage.Operation{
		Name:        OpListCalendarEvents,
		Description: "List the busy times on the user's calendars for a month.",
		Handler:     t.listCalendarEvents,
	})
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (t *Toolkit) channel(st *models.ConversationState) *syncchannel.Channel {
	return syncchannel.NewChannel(t.deps.Publisher, st.SessionID, t.logger)
}

type assessArgs struct {
	Classification string `json:"classification"`
	Summary        string `json:"summary,omitempty"`
}

// nextForClassification maps an input classification to the stage it leads to.
func nextForClassification(current models.Stage, class string) (models.Stage, error) {
	switch class {
	case ClassSmallTalk, ClassUnclear:
		if current == models.StageGreeting {
			return models.StageDiscovery, nil
		}
		return current, nil
	case ClassGoalsShared:
		return models.StageDetailing, nil
	case ClassDetailsComplete:
		return models.StageConfirmation, nil
	}
	return current, fmt.Errorf("unknown classification %q", class)
}

func (t *Toolkit) assessUserInput(_ context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a assessArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	next, err := nextForClassification(st.Stage, strings.ToLower(strings.TrimSpace(a.Classification)))
	if err != nil {
		return stage.Result{}, err
	}
	t.logger.Debug("Input assessed", "session_id", st.SessionID, "classification", a.Classification, "next", next)
	return stage.Result{
		Message: fmt.Sprintf("Input assessed as %s. %s", a.Classification, stageGuidance[next]),
		Next:    next,
	}, nil
}

type habitPlanArgs struct {
	Habits []models.Habit `json:"habits"`
}

func (t *Toolkit) saveHabitPlan(ctx context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a habitPlanArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	plan := models.HabitPlan{Habits: a.Habits, CreatedAt: t.deps.Now().In(st.Location())}
	for i := range plan.Habits {
		if plan.Habits[i].PreferredTime == "" {
			plan.Habits[i].PreferredTime = models.DefaultPreferredTime
		}
	}
	if err := plan.Validate(); err != nil {
		return stage.Result{}, err
	}
	if err := store.SaveJSON(ctx, t.deps.Store, store.SessionKey(st.SessionID, store.KindHabitPlan), plan); err != nil {
		return stage.Result{}, fmt.Errorf("failed to save habit plan: %w", err)
	}
	if st.Draft != nil {
		if err := t.deps.Store.Delete(context.WithoutCancel(ctx), store.SessionKey(st.SessionID, store.KindDraft)); err != nil {
			t.logger.Warn("Failed to delete superseded draft", "session_id", st.SessionID, "error", err)
		}
	}

	st.HabitPlan = &plan
	st.Draft = nil

	names := make([]string, len(plan.Habits))
	for i, h := range plan.Habits {
		names[i] = h.Name
	}
	msg := fmt.Sprintf("Saved %d habits: %s.", len(names), strings.Join(names, ", "))
	t.channel(st).Status(msg)
	t.logger.Info("Habit plan saved", "session_id", st.SessionID, "habits", len(names))
	return stage.Result{Message: msg + " " + stageGuidance[models.StageScheduling], Data: plan}, nil
}

type monthArgs struct {
	Month string `json:"month,omitempty"`
}

// resolveMonth returns the requested month or the current one in loc.
func (t *Toolkit) resolveMonth(requested string, loc *time.Location) (string, models.Window, error) {
	month := requested
	if month == "" {
		month = t.deps.Now().In(loc).Format(models.MonthLayout)
	}
	w, err := models.MonthWindow(month, loc)
	if err != nil {
		return "", models.Window{}, err
	}
	return month, w, nil
}

// GenerateData is the structured result of generate_draft_schedule.
type GenerateData struct {
	Draft    *models.DraftSchedule     `json:"draft_schedule"`
	Warnings []models.PlacementWarning `json:"warnings,omitempty"`
	Failures []string                  `json:"calendar_failures,omitempty"`
}

func (t *Toolkit) generateDraft(ctx context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a monthArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	month, window, err := t.resolveMonth(a.Month, st.Location())
	if err != nil {
		return stage.Result{}, err
	}

	ch := t.channel(st)
	ch.Status("Checking your calendars...")
	events, failures, err := t.deps.Calendars.FetchAll(ctx, window.Extend(fetchMargin))
	if err != nil {
		return stage.Result{}, fmt.Errorf("calendar reads abandoned: %w", err)
	}
	if len(failures) > 0 {
		ch.Status("Some calendars could not be read: " + models.SummarizeFailures(failures))
	}

	res, err := t.deps.Planner.Generate(planner.Input{
		Plan:     *st.HabitPlan,
		Events:   events,
		Month:    month,
		Timezone: st.Timezone,
		Now:      t.deps.Now(),
	})
	if err != nil {
		return stage.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return stage.Result{}, fmt.Errorf("draft not committed: %w", err)
	}
	// Past this point the draft is committed, so it is saved even if ctx ends.
	if err := store.SaveJSON(context.WithoutCancel(ctx), t.deps.Store, store.SessionKey(st.SessionID, store.KindDraft), res.Draft); err != nil {
		t.logger.Error("Failed to persist draft schedule", "session_id", st.SessionID, "error", err)
	}

	st.Draft = res.Draft
	ch.Schedule(res.Draft)

	placed := len(res.Draft.Pending())
	msg := fmt.Sprintf("Drafted %d habit sessions for %s.", placed, month)
	if len(res.Warnings) > 0 {
		msg += fmt.Sprintf(" %d could not be placed.", len(res.Warnings))
	}
	ch.Status(msg)

	data := GenerateData{Draft: res.Draft, Warnings: res.Warnings}
	for _, f := range failures {
		data.Failures = append(data.Failures, f.Error())
	}
	details := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		details = append(details, w.String())
	}
	if len(details) > 0 {
		msg += " " + strings.Join(details, "; ") + "."
	}
	return stage.Result{Message: msg + " " + stageGuidance[models.StageReview], Data: data}, nil
}

// ConfirmData is the structured result of confirm_draft_schedule.
type ConfirmData struct {
	Draft    *models.DraftSchedule `json:"draft_schedule"`
	Created  int                   `json:"created"`
	Failures []string              `json:"failures,omitempty"`
}

func (t *Toolkit) confirmDraft(ctx context.Context, st *models.ConversationState, _ json.RawMessage) (stage.Result, error) {
	if st.Draft.Status == models.StatusConfirmed {
		return stage.Result{
			Message: "The schedule is already confirmed; nothing new was created.",
			Data:    ConfirmData{Draft: st.Draft},
		}, nil
	}
	if !t.deps.Calendars.CanWrite() {
		return stage.Result{}, errors.New("no calendar is configured for writing")
	}

	ch := t.channel(st)
	pending := st.Draft.Pending()
	ch.Status(fmt.Sprintf("Adding %d habit sessions to your calendar...", len(pending)))

	created, failures := t.deps.Calendars.CreateAll(ctx, pending, st.Timezone)
	next, err := st.Draft.MarkCreated(created)
	if err != nil {
		return stage.Result{}, err
	}
	// Events already exist remotely, so their ids must be saved even if ctx ends.
	if err := store.SaveJSON(context.WithoutCancel(ctx), t.deps.Store, store.SessionKey(st.SessionID, store.KindDraft), next); err != nil {
		t.logger.Error("Failed to persist draft schedule", "session_id", st.SessionID, "error", err)
	}

	st.Draft = next
	ch.Schedule(next)

	data := ConfirmData{Draft: next, Created: len(created)}
	if len(failures) > 0 {
		summary := models.SummarizeFailures(failures)
		ch.Status(summary)
		for _, f := range failures {
			data.Failures = append(data.Failures, f.Error())
		}
		t.logger.Warn("Draft partially confirmed", "session_id", st.SessionID, "created", len(created), "failed", len(failures))
		return stage.Result{
			Message: fmt.Sprintf("Created %d of %d sessions. %s. Confirm again to retry the rest.", len(created), len(pending), summary),
			Hold:    true,
			Data:    data,
		}, nil
	}

	ch.Status(fmt.Sprintf("Added %d habit sessions to your calendar.", len(created)))
	t.logger.Info("Draft confirmed", "session_id", st.SessionID, "created", len(created))
	return stage.Result{
		Message: fmt.Sprintf("All %d habit sessions are on your calendar. %s", len(created), stageGuidance[models.StageComplete]),
		Data:    data,
	}, nil
}

func (t *Toolkit) resetSession(ctx context.Context, st *models.ConversationState, _ json.RawMessage) (stage.Result, error) {
	for _, kind := range []string{store.KindHabitPlan, store.KindDraft} {
		if err := t.deps.Store.Delete(ctx, store.SessionKey(st.SessionID, kind)); err != nil {
			t.logger.Warn("Failed to delete session snapshot", "session_id", st.SessionID, "kind", kind, "error", err)
		}
	}
	st.HabitPlan = nil
	st.Draft = nil
	t.channel(st).Status("Starting a new scheduling cycle.")
	return stage.Result{Message: "Session reset. " + stageGuidance[models.StageGreeting]}, nil
}

type noteArgs struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (t *Toolkit) loadMemory(ctx context.Context, userID string) (map[string]string, error) {
	memory := map[string]string{}
	err := store.LoadJSON(ctx, t.deps.Store, store.UserKey(userID, store.KindMemory), &memory)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return memory, nil
}

func (t *Toolkit) saveNote(ctx context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a noteArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	if strings.TrimSpace(a.Key) == "" {
		return stage.Result{}, errors.New("note key is required")
	}
	memory, err := t.loadMemory(ctx, st.UserID)
	if err != nil {
		return stage.Result{}, err
	}
	memory[a.Key] = a.Value
	if err := store.SaveJSON(ctx, t.deps.Store, store.UserKey(st.UserID, store.KindMemory), memory); err != nil {
		return stage.Result{}, fmt.Errorf("failed to save memory: %w", err)
	}
	t.logger.Info("Saved memory", "user_id", st.UserID, "key", a.Key)
	return stage.Result{Message: fmt.Sprintf("Saved '%s' to memory.", a.Key)}, nil
}

func (t *Toolkit) recallNote(ctx context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a noteArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	memory, err := t.loadMemory(ctx, st.UserID)
	if err != nil {
		return stage.Result{}, err
	}
	value, ok := memory[a.Key]
	if !ok {
		return stage.Result{Message: fmt.Sprintf("No memory found for '%s'.", a.Key)}, nil
	}
	return stage.Result{Message: fmt.Sprintf("%s: %s", a.Key, value), Data: value}, nil
}

func (t *Toolkit) listMemories(ctx context.Context, st *models.ConversationState, _ json.RawMessage) (stage.Result, error) {
	memory, err := t.loadMemory(ctx, st.UserID)
	if err != nil {
		return stage.Result{}, err
	}
	if len(memory) == 0 {
		return stage.Result{Message: "No memories saved yet."}, nil
	}
	keys := make([]string, 0, len(memory))
	for k := range memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ": " + memory[k]
	}
	return stage.Result{Message: strings.Join(lines, "\n"), Data: memory}, nil
}

func (t *Toolkit) listCalendarEvents(ctx context.Context, st *models.ConversationState, args json.RawMessage) (stage.Result, error) {
	var a monthArgs
	if err := decodeArgs(args, &a); err != nil {
		return stage.Result{}, err
	}
	if a.Month == "" && st.Draft != nil {
		a.Month = st.Draft.Month
	}
	month, window, err := t.resolveMonth(a.Month, st.Location())
	if err != nil {
		return stage.Result{}, err
	}
	events, failures, err := t.deps.Calendars.FetchAll(ctx, window)
	if err != nil {
		return stage.Result{}, fmt.Errorf("calendar reads abandoned: %w", err)
	}
	model := busy.Build(st.Location(), events)
	slots := model.Slots()

	var lines []string
	for _, s := range slots {
		lines = append(lines, fmt.Sprintf("- %s at %s", s.Label, s.Start.Format("Mon Jan 2 15:04")))
	}
	msg := fmt.Sprintf("No events found for %s.", month)
	if len(lines) > 0 {
		msg = strings.Join(lines, "\n")
	}
	if len(failures) > 0 {
		msg += "\n" + models.SummarizeFailures(failures)
	}
	return stage.Result{Message: msg, Data: slots}, nil
}
