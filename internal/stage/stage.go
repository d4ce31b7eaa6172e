// Package stage gates conversation operations by stage through an explicit dispatch table.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"habitcal/internal/models"
)

// ErrUnknownOperation is returned for names missing from the dispatch table.
var ErrUnknownOperation = errors.New("unknown operation")

// Violation is returned when an operation is invoked from a stage that does not allow it.
// Nothing has been mutated when a Violation is returned.
type Violation struct {
	Operation string
	Stage     models.Stage
	Guidance  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s is not allowed during %s: %s", v.Operation, v.Stage, v.Guidance)
}

// Result is what an operation reports back. Its fields, not any narrative state,
// decide the next stage.
type Result struct {
	Message string `json:"message"`
	// Next overrides the operation's declared resulting stage.
	Next models.Stage `json:"-"`
	// Hold keeps the current stage, e.g. after a partial failure.
	Hold bool `json:"-"`
	// Data is an optional structured payload for the caller.
	Data any `json:"data,omitempty"`
}

// Handler performs an operation. It must not mutate st when it returns an error.
type Handler func(ctx context.Context, st *models.ConversationState, args json.RawMessage) (Result, error)

// Operation is one row of the dispatch table.
type Operation struct {
	Name        string
	Description string
	// ValidFrom lists the stages the operation may be invoked from; empty means any.
	ValidFrom []models.Stage
	// Resulting is the stage reached on success; empty leaves the stage unchanged.
	Resulting models.Stage
	// Classifies marks the input-assessment operation, the only way out of GREETING and DISCOVERY.
	Classifies bool
	// Precondition is checked after the stage gate; a non-nil error becomes guidance.
	Precondition func(st *models.ConversationState) error
	Handler      Handler
}

func (op Operation) allowedIn(s models.Stage) bool {
	if len(op.ValidFrom) == 0 {
		return true
	}
	for _, v := range op.ValidFrom {
		if v == s {
			return true
		}
	}
	return false
}

func (op Operation) advances() bool {
	return op.Resulting != "" || op.Classifies
}

// Controller is the stage machine. It is safe to share between sessions; all
// per-session data lives in the ConversationState passed to each call.
type Controller struct {
	logger *slog.Logger
	ops    map[string]Operation
}

// New creates an empty Controller.
func New(logger *slog.Logger) *Controller {
	return &Controller{logger: logger, ops: make(map[string]Operation)}
}

// Register adds op to the dispatch table, replacing any operation with the same name.
func (c *Controller) Register(op Operation) {
	c.ops[op.Name] = op
}

// Operations returns the registered operations sorted by name.
func (c *Controller) Operations() []Operation {
	out := make([]Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check reports whether name may run against st right now.
func (c *Controller) Check(st *models.ConversationState, name string) error {
	op, ok := c.ops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	if !op.allowedIn(st.Stage) {
		return &Violation{Operation: name, Stage: st.Stage, Guidance: "valid during " + joinStages(op.ValidFrom)}
	}
	if op.advances() && !op.Classifies && !st.Assessed &&
		(st.Stage == models.StageDiscovery || st.Stage == models.StageDetailing) {
		return &Violation{Operation: name, Stage: st.Stage, Guidance: "assess the user's input first"}
	}
	if op.Precondition != nil {
		if err := op.Precondition(st); err != nil {
			return &Violation{Operation: name, Stage: st.Stage, Guidance: err.Error()}
		}
	}
	return nil
}

// Advance computes the stage that follows running name from current with result res.
func (c *Controller) Advance(current models.Stage, name string, res Result) (models.Stage, error) {
	op, ok := c.ops[name]
	if !ok {
		return current, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	switch {
	case res.Hold:
		return current, nil
	case res.Next != "":
		return res.Next, nil
	case op.Resulting != "":
		return op.Resulting, nil
	}
	return current, nil
}

// Dispatch validates, runs and commits one operation against st.
// On a Violation or handler error the state is left untouched.
func (c *Controller) Dispatch(ctx context.Context, st *models.ConversationState, name string, args json.RawMessage) (Result, error) {
	if err := c.Check(st, name); err != nil {
		var v *Violation
		if errors.As(err, &v) {
			c.logger.Info("Operation rejected", "session_id", st.SessionID, "operation", name, "stage", st.Stage, "guidance", v.Guidance)
		}
		return Result{}, err
	}
	op := c.ops[name]
	res, err := op.Handler(ctx, st, args)
	if err != nil {
		return res, fmt.Errorf("%s failed: %w", name, err)
	}
	next, err := c.Advance(st.Stage, name, res)
	if err != nil {
		return res, err
	}
	if next != st.Stage {
		c.logger.Info("Stage advanced", "session_id", st.SessionID, "operation", name, "from", st.Stage, "to", next)
	}
	st.SetStage(next)
	if op.Classifies {
		st.Assessed = true
	}
	return res, nil
}

func joinStages(stages []models.Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
