package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/remote"
	"github.com/tetherchat/tether/internal/remote/memstore"
	"go.uber.org/zap"
)

// testClock is a manually advanced clock safe for use from the watch
// goroutine.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newProfileService(t *testing.T) (*Service, *memstore.Store, *bus.Bus, *testClock) {
	t.Helper()
	store := memstore.New()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	svc := NewService(store, b, config.Default(), logger)
	clock := newTestClock()
	svc.now = clock.Now
	return svc, store, b, clock
}

func seedConversations(store *memstore.Store, ids ...string) {
	for _, id := range ids {
		store.Put("conversations/"+id, remote.Document{
			"participants":     []string{"u1", "u2"},
			"participantNames": map[string]any{"u2": "Other"},
		})
	}
}

func participantName(t *testing.T, store *memstore.Store, convID, userID string) string {
	t.Helper()
	data, ok := store.DocData("conversations/" + convID)
	if !ok {
		t.Fatalf("conversation %s missing", convID)
	}
	names, _ := data["participantNames"].(map[string]any)
	name, _ := names[userID].(string)
	return name
}

func waitSynced(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for propagation")
	}
}

func TestPropagateUpdatesAllConversations(t *testing.T) {
	svc, store, _, _ := newProfileService(t)
	seedConversations(store, "c1", "c2")
	store.Put("conversations/c3", remote.Document{
		"participants": []string{"u2", "u3"},
	})

	if err := svc.Propagate(context.Background(), "u1", "New Name", "new.png"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"c1", "c2"} {
		if got := participantName(t, store, id, "u1"); got != "New Name" {
			t.Errorf("%s participantNames.u1 = %q, want New Name", id, got)
		}
	}
	// A conversation without the user is untouched.
	if got := participantName(t, store, "c3", "u1"); got != "" {
		t.Errorf("c3 participantNames.u1 = %q, want empty", got)
	}
}

func TestThrottleCollapsesRapidEdits(t *testing.T) {
	svc, store, b, clock := newProfileService(t)
	seedConversations(store, "c1")
	store.Put("users/u1", remote.Document{"displayName": "One"})

	ch, unsub := b.Subscribe("profile.", 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, "u1")
	defer svc.Stop()

	waitSynced(t, ch)
	if got := participantName(t, store, "c1", "u1"); got != "One" {
		t.Fatalf("participantNames.u1 = %q, want One", got)
	}

	// An edit inside the throttle window is deferred to the window edge,
	// not applied immediately.
	clock.Advance(10 * time.Second)
	store.Put("users/u1", remote.Document{"displayName": "Two"})
	time.Sleep(100 * time.Millisecond)
	if got := participantName(t, store, "c1", "u1"); got != "One" {
		t.Errorf("throttled edit propagated early: %q", got)
	}

	// An edit past the window propagates at once and supersedes the
	// deferred one.
	clock.Advance(2 * time.Minute)
	store.Put("users/u1", remote.Document{"displayName": "Three"})
	waitSynced(t, ch)
	if got := participantName(t, store, "c1", "u1"); got != "Three" {
		t.Errorf("participantNames.u1 = %q, want Three", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := participantName(t, store, "c1", "u1"); got != "Three" {
		t.Errorf("stale deferred edit overwrote the fresh one: %q", got)
	}
}

func TestThrottledEditLandsWithoutFurtherEdits(t *testing.T) {
	store := memstore.New()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	cfg := config.Default()
	cfg.ProfileSyncInterval = config.Duration(100 * time.Millisecond)
	svc := NewService(store, b, cfg, logger)
	seedConversations(store, "c1")
	ctx := context.Background()

	// First edit propagates and opens the throttle window.
	svc.maybeSync(ctx, "u1", "One", "")
	if got := participantName(t, store, "c1", "u1"); got != "One" {
		t.Fatalf("participantNames.u1 = %q, want One", got)
	}

	// Two more edits land inside the window; the last one must win even
	// though nothing follows it.
	svc.maybeSync(ctx, "u1", "Two", "")
	svc.maybeSync(ctx, "u1", "Three", "")

	deadline := time.After(2 * time.Second)
	for {
		if participantName(t, store, "c1", "u1") == "Three" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("deferred edit never landed: participantNames.u1 = %q, want Three",
				participantName(t, store, "c1", "u1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGuestIdentityIsNoOp(t *testing.T) {
	svc, store, b, _ := newProfileService(t)
	seedConversations(store, "c1")
	store.Put("users/guest_77", remote.Document{"displayName": "Guest"})

	ch, unsub := b.Subscribe("profile.", 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, "guest_77")
	defer svc.Stop()

	select {
	case <-ch:
		t.Fatal("guest identity propagated a profile")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestZeroConversationsCached(t *testing.T) {
	svc, store, _, clock := newProfileService(t)
	ctx := context.Background()

	// First propagation answers "no conversations" and caches it.
	if err := svc.Propagate(ctx, "u1", "Name", ""); err != nil {
		t.Fatal(err)
	}

	// With the cache set, maybeSync must not query at all: an armed read
	// failure stays armed.
	store.Fail(memstore.OpRead, 1, remote.ErrUnavailable)
	clock.Advance(5 * time.Minute)
	svc.maybeSync(ctx, "u1", "Name", "")

	if err := svc.Propagate(ctx, "u1", "Name", ""); !remote.IsTransient(err) {
		t.Errorf("injected read failure was consumed early: %v", err)
	}
}

func TestBatchFailureFallsBackPerConversation(t *testing.T) {
	svc, store, _, _ := newProfileService(t)
	seedConversations(store, "c1", "c2", "c3")

	store.Fail(memstore.OpBatch, 1, remote.ErrUnavailable)
	if err := svc.Propagate(context.Background(), "u1", "Fallback", ""); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"c1", "c2", "c3"} {
		if got := participantName(t, store, id, "u1"); got != "Fallback" {
			t.Errorf("%s participantNames.u1 = %q, want Fallback", id, got)
		}
	}
}

func TestForceSyncBypassesThrottle(t *testing.T) {
	svc, store, _, _ := newProfileService(t)
	seedConversations(store, "c1")
	store.Put("users/u1", remote.Document{"displayName": "Fresh", "photoURL": "fresh.png"})

	ctx := context.Background()
	// Burn the throttle window with a regular sync.
	svc.maybeSync(ctx, "u1", "Stale", "")

	if err := svc.ForceSync(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := participantName(t, store, "c1", "u1"); got != "Fresh" {
		t.Errorf("participantNames.u1 = %q, want Fresh", got)
	}

	// Guests and absent profiles are quiet no-ops.
	if err := svc.ForceSync(ctx, "guest_1"); err != nil {
		t.Errorf("guest: %v", err)
	}
	if err := svc.ForceSync(ctx, "nobody"); err != nil {
		t.Errorf("missing profile: %v", err)
	}
}

func TestWatchRearmsAfterError(t *testing.T) {
	svc, store, b, clock := newProfileService(t)
	seedConversations(store, "c1")
	store.Put("users/u1", remote.Document{"displayName": "Before"})

	ch, unsub := b.Subscribe("profile.", 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, "u1")
	defer svc.Stop()

	waitSynced(t, ch)

	store.Put("users/u1", remote.Document{"displayName": "After"})
	store.EmitWatchError("users/u1", remote.ErrUnavailable)
	clock.Advance(2 * time.Minute)

	// The re-armed subscription delivers the current document.
	waitSynced(t, ch)
	if got := participantName(t, store, "c1", "u1"); got != "After" {
		t.Errorf("participantNames.u1 = %q, want After", got)
	}
}
