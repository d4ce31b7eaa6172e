package syncchannel

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	frames []Frame
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) Send(_ context.Context, f Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_DeliversInPublishOrder(t *testing.T) {
	hub := NewHub(discardLogger(), 128)
	rec := newRecorder()
	sub := hub.Attach(context.Background(), "s1", rec)
	defer sub.Detach()

	for i := 0; i < 50; i++ {
		hub.Publish("s1", TopicStatus, []byte(strconv.Itoa(i)))
	}
	frames := rec.wait(t, 50)
	for i, f := range frames {
		if string(f.Payload) != strconv.Itoa(i) {
			t.Fatalf("frame %d out of order: %s", i, f.Payload)
		}
	}
}

func TestHub_IsolatesSessions(t *testing.T) {
	hub := NewHub(discardLogger(), 8)
	a, b := newRecorder(), newRecorder()
	defer hub.Attach(context.Background(), "a", a).Detach()
	defer hub.Attach(context.Background(), "b", b).Detach()

	hub.Publish("a", TopicSchedule, []byte(`{}`))
	a.wait(t, 1)

	select {
	case <-b.got:
		t.Fatal("session b received a frame for session a")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DetachStopsDelivery(t *testing.T) {
	hub := NewHub(discardLogger(), 8)
	rec := newRecorder()
	sub := hub.Attach(context.Background(), "s1", rec)
	if hub.Receivers("s1") != 1 {
		t.Fatalf("expected one receiver")
	}
	sub.Detach()
	sub.Detach()
	if hub.Receivers("s1") != 0 {
		t.Fatalf("expected no receivers after detach")
	}
	// Publishing without receivers is a no-op.
	hub.Publish("s1", TopicStatus, []byte(`{}`))
	sub.Publish(TopicStatus, []byte(`{}`))
}

func TestSubscription_PublishReachesOneReceiver(t *testing.T) {
	hub := NewHub(discardLogger(), 8)
	old, fresh := newRecorder(), newRecorder()
	defer hub.Attach(context.Background(), "s1", old).Detach()
	sub := hub.Attach(context.Background(), "s1", fresh)
	defer sub.Detach()

	hub.Publish("s1", TopicStatus, []byte("1"))
	sub.Publish(TopicSchedule, []byte("2"))
	hub.Publish("s1", TopicStatus, []byte("3"))

	frames := fresh.wait(t, 3)
	for i, want := range []string{"1", "2", "3"} {
		if string(frames[i].Payload) != want {
			t.Fatalf("frame %d = %s, want %s", i, frames[i].Payload, want)
		}
	}
	got := old.wait(t, 2)
	if string(got[0].Payload) != "1" || string(got[1].Payload) != "3" {
		t.Errorf("existing receiver got %+v", got)
	}
	select {
	case <-old.got:
		t.Fatal("targeted frame reached another receiver")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_EncodesTopics(t *testing.T) {
	hub := NewHub(discardLogger(), 8)
	rec := newRecorder()
	defer hub.Attach(context.Background(), "s1", rec).Detach()

	ch := NewChannel(hub, "s1", discardLogger())
	ch.Status("Drafting your schedule")
	frames := rec.wait(t, 1)
	if frames[0].Topic != TopicStatus || string(frames[0].Payload) != `{"type":"status","message":"Drafting your schedule"}` {
		t.Errorf("unexpected frame %+v", frames[0])
	}

	// A nil draft is logged and not published.
	ch.Schedule(nil)
	select {
	case <-rec.got:
		t.Fatal("expected nil snapshot to be skipped")
	case <-time.After(50 * time.Millisecond):
	}
}
