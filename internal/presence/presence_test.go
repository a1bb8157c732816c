package presence

import (
	"context"
	"testing"
	"time"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"github.com/tetherchat/tether/internal/remote/memstore"
	"go.uber.org/zap"
)

func newTracker(t *testing.T) (*Tracker, *memstore.Store, *bus.Bus) {
	t.Helper()
	store := memstore.New()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	cfg := config.Default()
	cfg.HeartbeatInterval = config.Duration(time.Hour)
	return NewTracker(store, b, cfg, logger), store, b
}

func userData(t *testing.T, store *memstore.Store, id string) remote.Document {
	t.Helper()
	data, ok := store.DocData("users/" + id)
	if !ok {
		t.Fatalf("user record %s missing", id)
	}
	return data
}

func waitStatus(t *testing.T, tr *Tracker, want model.PresenceStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for tr.Current() != want {
		select {
		case <-deadline:
			t.Fatalf("status = %s, want %s", tr.Current(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != model.PresenceOffline {
		t.Fatalf("initial = %s, want offline", m.Current())
	}

	for _, to := range []model.PresenceStatus{
		model.PresenceOnline, model.PresenceAway, model.PresenceOffline,
	} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// Re-entering the current state is a quiet no-op.
	if err := m.Transition(model.PresenceOffline); err != nil {
		t.Errorf("self transition: %v", err)
	}

	if err := m.Transition(model.PresenceStatus("lurking")); err == nil {
		t.Error("unknown state accepted")
	}
}

func TestMachinePublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(model.PresenceOnline); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok || change.From != model.PresenceOffline || change.To != model.PresenceOnline {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence event")
	}
}

func TestLifecyclePhasesDrivePresence(t *testing.T) {
	tr, store, b := newTracker(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	tr.Start(context.Background(), "u1")
	waitStatus(t, tr, model.PresenceOnline)

	data := userData(t, store, "u1")
	if data["status"] != string(model.PresenceOnline) || data["isOnline"] != true {
		t.Errorf("after start: %v", data)
	}
	if _, ok := data["lastSeen"]; ok {
		t.Error("lastSeen written on a non-offline transition")
	}

	b.Publish(bus.Now(bus.KindAppLifecycle, bus.PhaseBackground))
	waitStatus(t, tr, model.PresenceAway)
	data = userData(t, store, "u1")
	if data["status"] != string(model.PresenceAway) || data["isOnline"] != false {
		t.Errorf("after background: %v", data)
	}

	b.Publish(bus.Now(bus.KindAppLifecycle, bus.PhaseInactive))
	waitStatus(t, tr, model.PresenceOffline)
	data = userData(t, store, "u1")
	if ts, ok := data["lastSeen"].(time.Time); !ok || !ts.Equal(now) {
		t.Errorf("lastSeen = %v, want %v", data["lastSeen"], now)
	}

	tr.Stop()
}

func TestStopWritesFinalOffline(t *testing.T) {
	tr, store, _ := newTracker(t)
	tr.Start(context.Background(), "u1")
	waitStatus(t, tr, model.PresenceOnline)

	tr.Stop()
	if tr.Current() != model.PresenceOffline {
		t.Errorf("status after stop = %s", tr.Current())
	}
	data := userData(t, store, "u1")
	if data["status"] != string(model.PresenceOffline) {
		t.Errorf("remote status = %v", data["status"])
	}
	if _, ok := data["lastSeen"]; !ok {
		t.Error("lastSeen not stamped on final offline write")
	}

	// Second stop is a no-op.
	tr.Stop()
}

func TestWatchUser(t *testing.T) {
	tr, store, _ := newTracker(t)
	store.Put("users/u2", remote.Document{
		"status": "online", "isOnline": true,
	})

	ch, stop := tr.WatchUser(context.Background(), "u2")
	defer stop()

	select {
	case rec := <-ch:
		if rec.UserID != "u2" || rec.Status != model.PresenceOnline {
			t.Errorf("initial = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial presence")
	}

	store.Put("users/u2", remote.Document{
		"status": "offline", "isOnline": false,
	})
	select {
	case rec := <-ch:
		if rec.Status != model.PresenceOffline {
			t.Errorf("update = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence update")
	}

	stop()
	stop()
}

func TestWatchUsersMergesState(t *testing.T) {
	tr, store, _ := newTracker(t)
	store.Put("users/u2", remote.Document{"status": "online"})
	store.Put("users/u3", remote.Document{"status": "away"})

	ch, stop := tr.WatchUsers(context.Background(), []string{"u2", "u3"})
	defer stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case merged := <-ch:
			if len(merged) < 2 {
				continue // still accumulating initial deliveries
			}
			if merged["u2"].Status != model.PresenceOnline || merged["u3"].Status != model.PresenceAway {
				t.Errorf("merged = %+v", merged)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for merged state")
		}
	}
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		lastSeen time.Time
		want     string
	}{
		{time.Time{}, "a while ago"},
		{now.Add(-30 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-2 * 24 * time.Hour), "2d ago"},
		{now.Add(-30 * 24 * time.Hour), "Jan 30, 2026"},
	}
	for _, tc := range cases {
		if got := FormatLastSeen(tc.lastSeen, now); got != tc.want {
			t.Errorf("FormatLastSeen(%v) = %q, want %q", tc.lastSeen, got, tc.want)
		}
	}
}
