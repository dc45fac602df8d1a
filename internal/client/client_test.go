package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/docker/dockertest"
	"github.com/falleco/open-commander/internal/presence"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/wsproxy"
)

// fixture runs a real proxy over a temp store so the clients exercise the
// same endpoints a browser would.
type fixture struct {
	t       *testing.T
	srv     *httptest.Server
	store   *store.Store
	hub     *broadcast.Hub
	tracker *presence.Tracker
	driver  *dockertest.FakeDriver
	admin   *store.User
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	admin, err := st.CreateUser("dev", "Dev", true)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	project, err := st.CreateProject("widgets", "repos/falleco/widgets", admin.ID, false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	hub := broadcast.NewHub()
	tracker := presence.NewTracker(hub)
	driver := dockertest.New()

	proxy := wsproxy.New(&auth.DisabledResolver{Store: st}, st, hub, tracker, driver, 7681)
	srv := httptest.NewServer(proxy.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		t:       t,
		srv:     srv,
		store:   st,
		hub:     hub,
		tracker: tracker,
		driver:  driver,
		admin:   admin,
		project: project,
	}
}

func (f *fixture) base() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// flakyListServer pushes first on the initial connection and drops it
// immediately; every later connection gets second and stays open.
func flakyListServer(t *testing.T, first, second any) *httptest.Server {
	t.Helper()
	var upgrader websocket.Upgrader
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		payload := second
		n := atomic.AddInt32(&conns, 1)
		if n == 1 {
			payload = first
		}
		data, err := json.Marshal(payload)
		if err != nil {
			t.Errorf("marshal list: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}
