package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCreateAndLookup(t *testing.T) {
	r := NewRegistry(nil)

	s := r.Create()
	if s.ID() == "" {
		t.Fatal("expected a non-empty session id")
	}
	if s.State() != StateInitializing {
		t.Fatalf("expected state %q, got %q", StateInitializing, s.State())
	}

	got, err := r.Lookup(s.ID())
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != s {
		t.Fatal("lookup returned a different session")
	}

	if _, err := r.Lookup("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEnqueueBeforeBindDeliversInOrder(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create()

	for i := 0; i < 3; i++ {
		if err := r.Enqueue(s.ID(), []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	h, err := r.BindReadStream(s.ID())
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected state %q after bind, got %q", StateActive, s.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		msg, err := h.Next(ctx)
		if err != nil {
			t.Fatalf("next %d failed: %v", i, err)
		}
		want := fmt.Sprintf("msg-%d", i)
		if string(msg.Payload) != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, msg.Payload)
		}
	}
}

func TestEnqueueAfterBindWakesReader(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create()
	h, err := r.BindReadStream(s.ID())
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	got := make(chan PendingMessage, 1)
	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg, err := h.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		got <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	if err := r.Enqueue(s.ID(), []byte("hello")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case msg := <-got:
		if string(msg.Payload) != "hello" {
			t.Fatalf("expected %q, got %q", "hello", msg.Payload)
		}
	case err := <-errs:
		t.Fatalf("next failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by enqueue")
	}
}

func TestSecondBindFailsAndLeavesFirstIntact(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create()

	h, err := r.BindReadStream(s.ID())
	if err != nil {
		t.Fatalf("first bind failed: %v", err)
	}

	if _, err := r.BindReadStream(s.ID()); !errors.Is(err, ErrSessionAlreadyBound) {
		t.Fatalf("expected ErrSessionAlreadyBound, got %v", err)
	}

	// The original binding still delivers.
	if err := r.Enqueue(s.ID(), []byte("still-mine")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := h.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if string(msg.Payload) != "still-mine" {
		t.Fatalf("expected %q, got %q", "still-mine", msg.Payload)
	}
}

func TestCloseIsIdempotentAndReleasesReader(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create()
	h, err := r.BindReadStream(s.ID())
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := h.Next(ctx)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close(s.ID())
	r.Close(s.ID()) // no-op
	r.Close("never-existed")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound from released reader, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not release the blocked reader")
	}

	if _, err := r.Lookup(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed session still resolvable: %v", err)
	}
	if err := r.Enqueue(s.ID(), []byte("too late")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected enqueue on closed session to fail, got %v", err)
	}
}

func TestSweepIdleSkipsBoundSessions(t *testing.T) {
	r := NewRegistry(nil)

	idle := r.Create()
	bound := r.Create()
	if _, err := r.BindReadStream(bound.ID()); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	// Age both sessions past the cutoff.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	if n := r.SweepIdle(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, err := r.Lookup(idle.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("idle unbound session survived the sweep")
	}
	if _, err := r.Lookup(bound.ID()); err != nil {
		t.Fatalf("bound session was swept: %v", err)
	}
}

func TestLenCountsAcrossShards(t *testing.T) {
	r := NewRegistry(nil)
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, r.Create().ID())
	}
	if got := r.Len(); got != 50 {
		t.Fatalf("expected 50 live sessions, got %d", got)
	}
	for _, id := range ids {
		r.Close(id)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("expected 0 live sessions after close, got %d", got)
	}
}
