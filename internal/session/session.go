// Package session owns conversation state and runs each session's operations
// one at a time through a bounded inbox.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"habitcal/internal/models"
	"habitcal/internal/stage"
	"habitcal/internal/syncchannel"
)

var (
	// ErrInboxFull is returned when a session already has the maximum number of queued requests.
	ErrInboxFull = errors.New("session inbox is full")
	// ErrClosed is returned for requests to a session that has ended.
	ErrClosed = errors.New("session has ended")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
)

type reply struct {
	res stage.Result
	err error
}

type request struct {
	name string
	args json.RawMessage
	// reply is nil for actions from the sync channel.
	reply chan reply
	// resync, when set, asks for the current draft to be sent to one receiver.
	resync syncchannel.Target
}

// Session is one conversation. Its state is only touched by the Run loop.
type Session struct {
	logger  *slog.Logger
	ctrl    *stage.Controller
	channel *syncchannel.Channel

	state    *models.ConversationState
	snapshot atomic.Pointer[models.ConversationState]

	inbox chan request
	done  chan struct{}
}

func newSession(logger *slog.Logger, ctrl *stage.Controller, pub syncchannel.Publisher, st *models.ConversationState, inboxSize int) *Session {
	if inboxSize <= 0 {
		inboxSize = 32
	}
	s := &Session{
		logger:  logger.With("session_id", st.SessionID),
		ctrl:    ctrl,
		channel: syncchannel.NewChannel(pub, st.SessionID, logger),
		state:   st,
		inbox:   make(chan request, inboxSize),
		done:    make(chan struct{}),
	}
	s.storeSnapshot()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.state.SessionID
}

// Done is closed once the processing loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the state as of the last completed operation.
func (s *Session) Snapshot() models.ConversationState {
	return *s.snapshot.Load()
}

func (s *Session) storeSnapshot() {
	c := *s.state
	c.Draft = s.state.Draft.Clone()
	if s.state.HabitPlan != nil {
		plan := *s.state.HabitPlan
		plan.Habits = append([]models.Habit(nil), plan.Habits...)
		c.HabitPlan = &plan
	}
	s.snapshot.Store(&c)
}

// Invoke queues an operation and waits for its result.
func (s *Session) Invoke(ctx context.Context, name string, args json.RawMessage) (stage.Result, error) {
	req := request{name: name, args: args, reply: make(chan reply, 1)}
	if err := s.enqueue(ctx, req); err != nil {
		return stage.Result{}, err
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return stage.Result{}, ctx.Err()
	case <-s.done:
		select {
		case r := <-req.reply:
			return r.res, r.err
		default:
			return stage.Result{}, ErrClosed
		}
	}
}

// Deliver queues an action from the sync channel without waiting for it.
func (s *Session) Deliver(req syncchannel.ActionRequest) error {
	switch req.Action {
	case syncchannel.ActionConfirm:
		return s.enqueue(context.Background(), request{name: OpConfirmDraft})
	}
	return fmt.Errorf("unsupported action %q", req.Action)
}

func (s *Session) enqueue(ctx context.Context, req request) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrInboxFull
	}
}

// Resync queues a send of the current draft to t. It runs in the processing
// loop, so t never sees a snapshot older than one already published.
func (s *Session) Resync(t syncchannel.Target) error {
	return s.enqueue(context.Background(), request{resync: t})
}

// Run processes queued requests in arrival order until ctx ends.
// Requests still queued at that point fail with ErrClosed.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case req := <-s.inbox:
			s.handle(ctx, req)
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case req := <-s.inbox:
			if req.reply != nil {
				req.reply <- reply{err: ErrClosed}
			}
		default:
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, req request) {
	if req.resync != nil {
		if s.state.Draft != nil {
			s.channel.ScheduleTo(req.resync, s.state.Draft)
		}
		return
	}
	s.logger.Debug("Processing operation", "operation", req.name, "stage", s.state.Stage)
	res, err := s.ctrl.Dispatch(ctx, s.state, req.name, req.args)
	s.storeSnapshot()

	if req.reply != nil {
		req.reply <- reply{res: res, err: err}
		return
	}
	if err != nil {
		var v *stage.Violation
		if errors.As(err, &v) {
			s.channel.Status("That can't be done right now: " + v.Guidance)
			return
		}
		s.logger.Error("Remote action failed", "operation", req.name, "error", err)
		s.channel.Status("Something went wrong: " + err.Error())
	}
}
