package wsproxy

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/presence"
)

func TestPresenceHeartbeatRoundTrip(t *testing.T) {
	f := newFixture(t)
	ws := f.dial("/presence/" + f.project.ID)

	if got := readPresenceList(t, ws); len(got) != 0 {
		t.Fatalf("initial list = %v, want empty", got)
	}

	hb := map[string]string{"type": "heartbeat", "sessionId": "sess-1", "status": "active"}
	if err := ws.WriteJSON(hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	list := readPresenceList(t, ws)
	if len(list) != 1 {
		t.Fatalf("list = %v, want one entry", list)
	}
	e := list[0]
	if e.UserID != f.admin.ID || e.SessionID != "sess-1" || e.Status != presence.StatusActive {
		t.Fatalf("entry = %+v", e)
	}
}

func TestPresenceLeaveFrameDropsEntry(t *testing.T) {
	f := newFixture(t)
	ws := f.dial("/presence/" + f.project.ID)
	readPresenceList(t, ws)

	if err := ws.WriteJSON(map[string]string{"type": "heartbeat", "sessionId": "sess-9", "status": "active"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if list := readPresenceList(t, ws); len(list) != 1 {
		t.Fatalf("after heartbeat list = %v, want one entry", list)
	}

	if err := ws.WriteJSON(map[string]string{"type": "leave"}); err != nil {
		t.Fatalf("write leave: %v", err)
	}
	if list := readPresenceList(t, ws); len(list) != 0 {
		t.Fatalf("after leave list = %v, want empty", list)
	}
}

func TestPresenceLeaveOnDisconnect(t *testing.T) {
	f := newFixture(t)
	ws := f.dial("/presence/" + f.project.ID)
	readPresenceList(t, ws)

	if err := ws.WriteJSON(map[string]string{"type": "heartbeat", "sessionId": "sess-7", "status": "active"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	readPresenceList(t, ws)

	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.tracker.List(f.project.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("presence entry survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresenceFansOutToOtherWatchers(t *testing.T) {
	f := newFixture(t)
	a := f.dial("/presence/" + f.project.ID)
	b := f.dial("/presence/" + f.project.ID)
	readPresenceList(t, a)
	readPresenceList(t, b)

	if err := a.WriteJSON(map[string]string{"type": "heartbeat", "sessionId": "sess-2", "status": "viewing"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	list := readPresenceList(t, b)
	if len(list) != 1 || list[0].Status != presence.StatusViewing {
		t.Fatalf("watcher saw %v, want one viewing entry", list)
	}
}

func TestPresenceIgnoresMalformedFrames(t *testing.T) {
	f := newFixture(t)
	ws := f.dial("/presence/" + f.project.ID)
	readPresenceList(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := ws.WriteJSON(map[string]string{"type": "heartbeat", "sessionId": "sess-3", "status": "active"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	if list := readPresenceList(t, ws); len(list) != 1 {
		t.Fatalf("list = %v, want one entry", list)
	}
}
