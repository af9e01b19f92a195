package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

func waitKinds(t *testing.T, s *Subscription) []Kind {
	t.Helper()
	select {
	case <-s.Ready():
		return s.Drain()
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}
	return nil
}

func expectSilent(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Ready():
		t.Fatalf("unexpected signal: %v", s.Drain())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnnounceSkipsOrigin(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("main-board", "a")
	b := h.Subscribe("main-board", "b")
	defer a.Close()
	defer b.Close()

	if err := h.Announce("main-board", TaskChanged, "a"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got := waitKinds(t, b); len(got) != 1 || got[0] != TaskChanged {
		t.Fatalf("unexpected kinds: %v", got)
	}
	expectSilent(t, a)
}

func TestAnnounceScopedToBoard(t *testing.T) {
	h := NewHub()
	other := h.Subscribe("other", "c")
	defer other.Close()
	_ = h.Announce("main-board", ActionChanged, "")
	expectSilent(t, other)
}

func TestSignalsCoalesce(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("b", "x")
	defer s.Close()
	for i := 0; i < 10; i++ {
		_ = h.Announce("b", TaskChanged, "")
	}
	_ = h.Announce("b", ActionChanged, "")
	got := waitKinds(t, s)
	if len(got) != 2 || got[0] != TaskChanged || got[1] != ActionChanged {
		t.Fatalf("expected one of each kind, got %v", got)
	}
	expectSilent(t, s)
}

func TestAnnounceRejectsUnknownKind(t *testing.T) {
	h := NewHub()
	if err := h.Announce("b", Kind("board-exploded"), ""); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestCloseDetaches(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("b", "x")
	s.Close()
	s.Close()
	if n := h.Subscribers("b"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	_ = h.Announce("b", TaskChanged, "")
	expectSilent(t, s)
}

type failingPublisher struct{}

func (failingPublisher) Publish(Signal) error { return errors.New("down") }

func TestAnnounceDeliversLocallyWhenPublisherFails(t *testing.T) {
	h := NewHub()
	h.Attach(failingPublisher{})
	s := h.Subscribe("b", "x")
	defer s.Close()
	if err := h.Announce("b", TaskChanged, ""); err == nil {
		t.Fatalf("expected publisher error")
	}
	waitKinds(t, s)
}

func TestRedisRelayCrossesInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	newClient := func() *redis.Client {
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		return rc
	}
	logger, _ := test.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, hubB := NewHub(), NewHub()
	relayA := NewRedisRelay(newClient(), "board-signals", hubA, logger)
	relayB := NewRedisRelay(newClient(), "board-signals", hubB, logger)
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	local := hubA.Subscribe("main-board", "a-local")
	defer local.Close()
	remote := hubB.Subscribe("main-board", "b-remote")
	defer remote.Close()
	origin := hubB.Subscribe("main-board", "origin")
	defer origin.Close()

	// wait until both relays are subscribed
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n := mr.PubSubNumSub("board-signals")["board-signals"]; n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relays did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hubA.Announce("main-board", TaskChanged, "origin"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got := waitKinds(t, remote); len(got) != 1 || got[0] != TaskChanged {
		t.Fatalf("unexpected remote kinds: %v", got)
	}
	if got := waitKinds(t, local); len(got) != 1 {
		t.Fatalf("unexpected local kinds: %v", got)
	}
	// the origin client lives on the other instance and is still skipped
	expectSilent(t, origin)
	// instance A must not deliver its own message twice
	expectSilent(t, local)
}
