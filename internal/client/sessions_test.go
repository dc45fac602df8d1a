package client

import (
	"context"
	"testing"
	"time"

	"github.com/falleco/open-commander/internal/store"
)

func (f *fixture) createSession(name string) *store.Session {
	f.t.Helper()
	sess, err := f.store.CreateSession(store.SessionParams{
		Name:        name,
		OwnerUserID: f.admin.ID,
		ProjectID:   &f.project.ID,
	})
	if err != nil {
		f.t.Fatalf("create session: %v", err)
	}
	return sess
}

func snapshotHas(c *SessionListClient, id string) bool {
	for _, s := range c.Snapshot() {
		if s.ID == id {
			return true
		}
	}
	return false
}

func TestSessionListFollowsStore(t *testing.T) {
	f := newFixture(t)
	alpha := f.createSession("alpha")

	sc := NewSessionListClient(f.base(), f.project.ID, "")
	sc.backoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sc.Run(ctx)
	t.Cleanup(func() { sc.Close() })

	waitFor(t, "initial list", func() bool {
		return snapshotHas(sc, alpha.ID)
	})

	beta := f.createSession("beta")
	f.hub.Notify("sessions:" + f.project.ID)

	waitFor(t, "updated list", func() bool {
		return snapshotHas(sc, alpha.ID) && snapshotHas(sc, beta.ID)
	})
}

func TestSessionListSurvivesReconnect(t *testing.T) {
	first := []*store.Session{
		{ID: "s1", Name: "alpha", Status: store.SessionRunning},
	}
	second := []*store.Session{
		{ID: "s1", Name: "alpha", Status: store.SessionRunning},
		{ID: "s2", Name: "beta", Status: store.SessionPending},
	}
	srv := flakyListServer(t, first, second)

	sc := NewSessionListClient(wsBase(srv), "p", "")
	sc.backoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sc.Run(ctx)
	t.Cleanup(func() { sc.Close() })

	waitFor(t, "first list", func() bool {
		return len(sc.Snapshot()) == 1
	})
	if got := sc.Snapshot(); len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("snapshot during gap = %v, want [s1]", got)
	}
	waitFor(t, "second list", func() bool {
		return len(sc.Snapshot()) == 2
	})
}

func TestSessionListCloseClears(t *testing.T) {
	f := newFixture(t)
	alpha := f.createSession("alpha")

	sc := NewSessionListClient(f.base(), f.project.ID, "")
	sc.backoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sc.Run(ctx)

	waitFor(t, "initial list", func() bool {
		return snapshotHas(sc, alpha.ID)
	})

	sc.Close()
	if got := sc.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot after close = %v, want empty", got)
	}
}
