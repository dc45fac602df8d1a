package client

import (
	"context"
	"testing"
	"time"

	"github.com/falleco/open-commander/internal/presence"
)

func TestPresenceHeartbeatReachesTracker(t *testing.T) {
	f := newFixture(t)
	pc := NewPresenceClient(f.base(), f.project.ID, "")
	pc.backoff = 50 * time.Millisecond
	pc.SetSession("sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pc.Run(ctx)
	t.Cleanup(func() { pc.Close() })

	waitFor(t, "tracker entry", func() bool {
		list := f.tracker.List(f.project.ID)
		return len(list) == 1 &&
			list[0].UserID == f.admin.ID &&
			list[0].SessionID == "sess-1" &&
			list[0].Status == presence.StatusActive
	})

	// The proxy pushes the list right back at us.
	waitFor(t, "snapshot", func() bool {
		snap := pc.Snapshot()
		return len(snap) == 1 && snap[0].UserID == f.admin.ID
	})
}

func TestPresenceSessionSwitchAssertedImmediately(t *testing.T) {
	f := newFixture(t)
	pc := NewPresenceClient(f.base(), f.project.ID, "")
	pc.backoff = 50 * time.Millisecond
	pc.SetSession("sess-a")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pc.Run(ctx)
	t.Cleanup(func() { pc.Close() })

	waitFor(t, "first session entry", func() bool {
		for _, e := range f.tracker.List(f.project.ID) {
			if e.SessionID == "sess-a" {
				return true
			}
		}
		return false
	})

	pc.SetSession("sess-b")
	waitFor(t, "switched session entry", func() bool {
		for _, e := range f.tracker.List(f.project.ID) {
			if e.SessionID == "sess-b" {
				return true
			}
		}
		return false
	})
}

func TestPresenceStatusGrades(t *testing.T) {
	pc := NewPresenceClient("ws://unused", "p", "")

	if got := pc.Status(); got != presence.StatusActive {
		t.Fatalf("fresh status = %s, want active", got)
	}

	pc.mu.Lock()
	pc.lastInteract = time.Now().Add(-45 * time.Second)
	pc.mu.Unlock()
	if got := pc.Status(); got != presence.StatusViewing {
		t.Fatalf("status after 45s = %s, want viewing", got)
	}

	pc.mu.Lock()
	pc.lastInteract = time.Now().Add(-3 * time.Minute)
	pc.mu.Unlock()
	if got := pc.Status(); got != presence.StatusInactive {
		t.Fatalf("status after 3m = %s, want inactive", got)
	}

	pc.Interact()
	if got := pc.Status(); got != presence.StatusActive {
		t.Fatalf("status after interact = %s, want active", got)
	}
}

func TestPresenceCloseLeavesAndClears(t *testing.T) {
	f := newFixture(t)
	pc := NewPresenceClient(f.base(), f.project.ID, "")
	pc.backoff = 50 * time.Millisecond
	pc.SetSession("sess-9")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pc.Run(ctx)

	waitFor(t, "tracker entry", func() bool {
		return len(f.tracker.List(f.project.ID)) == 1
	})

	pc.Close()

	waitFor(t, "tracker empty", func() bool {
		return len(f.tracker.List(f.project.ID)) == 0
	})
	if snap := pc.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot after close = %v, want empty", snap)
	}
}

func TestPresenceSnapshotSurvivesReconnect(t *testing.T) {
	first := []presence.Entry{
		{ProjectID: "p", UserID: "u1", Status: presence.StatusActive},
	}
	second := []presence.Entry{
		{ProjectID: "p", UserID: "u1", Status: presence.StatusActive},
		{ProjectID: "p", UserID: "u2", Status: presence.StatusViewing},
	}
	srv := flakyListServer(t, first, second)

	pc := NewPresenceClient(wsBase(srv), "p", "")
	pc.backoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pc.Run(ctx)
	t.Cleanup(func() { pc.Close() })

	waitFor(t, "first list", func() bool {
		return len(pc.Snapshot()) == 1
	})
	// The server already dropped the socket; the list must hold through
	// the back-off gap.
	if got := pc.Snapshot(); len(got) != 1 {
		t.Fatalf("snapshot during gap = %v, want 1 entry", got)
	}
	waitFor(t, "second list", func() bool {
		return len(pc.Snapshot()) == 2
	})
}
