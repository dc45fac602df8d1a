// Package presence tracks who is looking at which project right now.
// Entries live only in memory; a broker restart starts from an empty
// table and clients re-assert themselves on their next heartbeat.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/log"
)

// Status is what the rest of the system sees for a presence entry. It is
// derived from heartbeat age at read time, never stored.
type Status string

const (
	StatusActive   Status = "active"
	StatusViewing  Status = "viewing"
	StatusInactive Status = "inactive"
)

const (
	// activeWindow is how long a client's own status claim is trusted.
	activeWindow = 30 * time.Second
	// viewingWindow is the age past which an entry reads as inactive.
	viewingWindow = 2 * time.Minute
	// gcHorizon is the age at which the sweeper drops an entry entirely.
	gcHorizon = viewingWindow + 5*time.Minute
	// sweepEvery is the garbage-collection interval.
	sweepEvery = time.Minute
)

// Entry is one user's presence in one project, as reported to watchers.
type Entry struct {
	ProjectID       string    `json:"projectId"`
	UserID          string    `json:"userId"`
	SessionID       string    `json:"sessionId,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Status          Status    `json:"status"`
}

type key struct {
	userID    string
	sessionID string
}

type record struct {
	status Status
	last   time.Time
}

// table holds one project's entries behind its own lock so busy projects
// do not contend with each other.
type table struct {
	mu      sync.Mutex
	entries map[key]*record
}

// Tracker maintains the per-project presence tables and publishes
// "presence:<projectID>" on every change.
type Tracker struct {
	hub *broadcast.Hub
	now func() time.Time

	mu       sync.RWMutex
	projects map[string]*table
}

// NewTracker creates an empty Tracker publishing through hub.
func NewTracker(hub *broadcast.Hub) *Tracker {
	return &Tracker{
		hub:      hub,
		now:      time.Now,
		projects: make(map[string]*table),
	}
}

// Heartbeat records that user is present in project, optionally attached to
// a session, and refreshes the entry's timestamp. The client-asserted
// status is kept verbatim; List decides how much to trust it.
func (t *Tracker) Heartbeat(projectID, userID, sessionID string, status Status) {
	tbl := t.table(projectID, true)

	tbl.mu.Lock()
	k := key{userID: userID, sessionID: sessionID}
	rec, ok := tbl.entries[k]
	if !ok {
		rec = &record{}
		tbl.entries[k] = rec
	}
	rec.status = normalize(status)
	rec.last = t.now()
	tbl.mu.Unlock()

	t.hub.Notify("presence:" + projectID)
}

// Leave removes the entry for (user, session) and publishes if anything
// was actually there.
func (t *Tracker) Leave(projectID, userID, sessionID string) {
	tbl := t.table(projectID, false)
	if tbl == nil {
		return
	}

	k := key{userID: userID, sessionID: sessionID}
	tbl.mu.Lock()
	_, existed := tbl.entries[k]
	delete(tbl.entries, k)
	tbl.mu.Unlock()

	if existed {
		t.hub.Notify("presence:" + projectID)
	}
}

// List returns the project's entries with statuses derived from heartbeat
// age: inside the active window the client's claim stands, past it the
// entry degrades to viewing and then inactive no matter what was sent.
func (t *Tracker) List(projectID string) []Entry {
	tbl := t.table(projectID, false)
	if tbl == nil {
		return nil
	}

	now := t.now()

	tbl.mu.Lock()
	entries := make([]Entry, 0, len(tbl.entries))
	for k, rec := range tbl.entries {
		entries = append(entries, Entry{
			ProjectID:       projectID,
			UserID:          k.userID,
			SessionID:       k.sessionID,
			LastHeartbeatAt: rec.last,
			Status:          derive(rec.status, now.Sub(rec.last)),
		})
	}
	tbl.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID != entries[j].UserID {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	return entries
}

// Run sweeps expired entries until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep drops entries whose heartbeat aged past the GC horizon and
// publishes for every project that lost one.
func (t *Tracker) sweep() {
	now := t.now()

	t.mu.Lock()
	var changed []string
	for projectID, tbl := range t.projects {
		tbl.mu.Lock()
		before := len(tbl.entries)
		for k, rec := range tbl.entries {
			if now.Sub(rec.last) >= gcHorizon {
				delete(tbl.entries, k)
			}
		}
		removed := before - len(tbl.entries)
		if len(tbl.entries) == 0 {
			delete(t.projects, projectID)
		}
		tbl.mu.Unlock()
		if removed > 0 {
			changed = append(changed, projectID)
			log.Debug("presence gc", "project", projectID, "removed", removed)
		}
	}
	t.mu.Unlock()

	for _, projectID := range changed {
		t.hub.Notify("presence:" + projectID)
	}
}

func (t *Tracker) table(projectID string, create bool) *table {
	t.mu.RLock()
	tbl := t.projects[projectID]
	t.mu.RUnlock()
	if tbl != nil || !create {
		return tbl
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tbl = t.projects[projectID]; tbl == nil {
		tbl = &table{entries: make(map[key]*record)}
		t.projects[projectID] = tbl
	}
	return tbl
}

func derive(claimed Status, age time.Duration) Status {
	switch {
	case age < activeWindow:
		return claimed
	case age < viewingWindow:
		return StatusViewing
	default:
		return StatusInactive
	}
}

func normalize(s Status) Status {
	switch s {
	case StatusActive, StatusViewing, StatusInactive:
		return s
	default:
		return StatusActive
	}
}
