package syncchannel

import (
	"context"
	"log/slog"
	"sync"

	"habitcal/internal/models"
)

// Receiver delivers frames to one connected remote party.
type Receiver interface {
	Send(ctx context.Context, f Frame) error
}

// Publisher is the backend-facing side of the channel. Publishing never blocks
// and never fails from the caller's point of view.
type Publisher interface {
	Publish(sessionID, topic string, payload []byte)
}

// Target receives frames meant for a single receiver.
type Target interface {
	Publish(topic string, payload []byte)
}

// Subscription is one receiver's attachment to a session.
type Subscription struct {
	hub       *Hub
	sessionID string
	queue     chan Frame
	closed    bool // guarded by hub.mu
	once      sync.Once
}

// Hub fans published frames out to the receivers attached to each session.
// Every receiver has its own queue, so frames reach it in publish order.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates a Hub whose per-receiver queues hold queueSize frames.
func NewHub(logger *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Attach starts delivering the session's frames to r until the subscription
// is detached or ctx ends.
func (h *Hub) Attach(ctx context.Context, sessionID string, r Receiver) *Subscription {
	sub := &Subscription{hub: h, sessionID: sessionID, queue: make(chan Frame, h.queueSize)}

	h.mu.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("Receiver attached", "session_id", sessionID)

	go func() {
		for f := range sub.queue {
			if ctx.Err() != nil {
				continue
			}
			if err := r.Send(ctx, f); err != nil {
				h.logger.Debug("Receiver send failed", "session_id", sessionID, "topic", f.Topic, "error", err)
			}
		}
	}()
	return sub
}

// Publish queues payload on topic for this receiver only, behind any frames
// already queued for it. Frames for a full or detached queue are dropped.
func (s *Subscription) Publish(topic string, payload []byte) {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if s.closed {
		return
	}
	s.hub.enqueue(s, Frame{Topic: topic, Payload: payload})
}

// Detach stops delivery. It is safe to call more than once.
func (s *Subscription) Detach() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.sessionID)
			}
		}
		s.closed = true
		close(s.queue)
		h.logger.Info("Receiver detached", "session_id", s.sessionID)
	})
}

// Publish queues payload on topic for every receiver of the session.
// Frames for a full queue are dropped.
func (h *Hub) Publish(sessionID, topic string, payload []byte) {
	f := Frame{Topic: topic, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		h.enqueue(sub, f)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(sub *Subscription, f Frame) {
	select {
	case sub.queue <- f:
	default:
		h.logger.Warn("Receiver queue full, dropping frame", "session_id", sub.sessionID, "topic", f.Topic)
	}
}

// Receivers returns how many receivers are attached to the session.
func (h *Hub) Receivers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Channel binds a Publisher to one session and encodes payloads.
type Channel struct {
	pub       Publisher
	sessionID string
	logger    *slog.Logger
}

// NewChannel returns the session's view of the publisher.
func NewChannel(pub Publisher, sessionID string, logger *slog.Logger) *Channel {
	return &Channel{pub: pub, sessionID: sessionID, logger: logger}
}

// Schedule publishes a full snapshot on the schedule topic.
func (c *Channel) Schedule(d *models.DraftSchedule) {
	payload, err := EncodeSchedule(d)
	if err != nil {
		c.logger.Error("Failed to encode schedule snapshot", "session_id", c.sessionID, "error", err)
		return
	}
	c.pub.Publish(c.sessionID, TopicSchedule, payload)
}

// ScheduleTo sends a full snapshot on the schedule topic to one target.
func (c *Channel) ScheduleTo(t Target, d *models.DraftSchedule) {
	payload, err := EncodeSchedule(d)
	if err != nil {
		c.logger.Error("Failed to encode schedule snapshot", "session_id", c.sessionID, "error", err)
		return
	}
	t.Publish(TopicSchedule, payload)
}

// Status publishes progress text on the status topic.
func (c *Channel) Status(message string) {
	payload, err := EncodeStatus(message)
	if err != nil {
		c.logger.Error("Failed to encode status", "session_id", c.sessionID, "error", err)
		return
	}
	c.pub.Publish(c.sessionID, TopicStatus, payload)
}
