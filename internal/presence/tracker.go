// Package presence maintains the local user's online/away/offline flag
// on the remote user record and exposes read-side subscriptions for
// other users' presence.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"go.uber.org/zap"
)

// Tracker drives the local user's presence and serves presence watches.
type Tracker struct {
	client  remote.Client
	bus     *bus.Bus
	cfg     *config.Config
	logger  *zap.Logger
	machine *Machine

	userID string
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]func()
}

// NewTracker creates a presence tracker.
func NewTracker(client remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		client:  client,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		machine: NewMachine(b),
		watches: make(map[string]func()),
	}
}

// Current returns the local availability.
func (t *Tracker) Current() model.PresenceStatus { return t.machine.Current() }

// Start marks the user online and begins consuming app lifecycle events
// and the heartbeat.
func (t *Tracker) Start(ctx context.Context, userID string) {
	t.userID = userID
	ctx, t.cancel = context.WithCancel(ctx)

	t.apply(ctx, model.PresenceOnline)

	ch, unsub := t.bus.Subscribe("app.", 16)
	go t.loop(ctx, ch, unsub)
}

// Stop marks the user offline and tears down watches. Idempotent.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		// The final offline write outlives the tracker context.
		t.apply(context.Background(), model.PresenceOffline)
	}

	t.mu.Lock()
	cancels := make([]func(), 0, len(t.watches))
	for _, c := range t.watches {
		cancels = append(cancels, c)
	}
	t.watches = make(map[string]func())
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (t *Tracker) loop(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer unsub()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case evt := <-ch:
			phase, _ := evt.Payload.(string)
			t.onLifecycle(ctx, phase)
		case <-ticker.C:
			// Heartbeat runs independently of lifecycle transitions so
			// readers can tell an active foreground session from a
			// stalled one.
			if t.machine.Current() == model.PresenceOnline {
				t.touch(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) onLifecycle(ctx context.Context, phase string) {
	switch phase {
	case bus.PhaseForeground:
		t.apply(ctx, model.PresenceOnline)
	case bus.PhaseBackground:
		t.apply(ctx, model.PresenceAway)
	case bus.PhaseInactive:
		t.apply(ctx, model.PresenceOffline)
	default:
		t.logger.Debug("unknown lifecycle phase", zap.String("phase", phase))
	}
}

// apply transitions the machine and mirrors the result to the remote
// user record.
func (t *Tracker) apply(ctx context.Context, to model.PresenceStatus) {
	if err := t.machine.Transition(to); err != nil {
		t.logger.Warn("presence transition rejected", zap.Error(err))
		return
	}

	updates := []remote.Update{
		{Path: model.FieldStatus, Value: string(to)},
		{Path: model.FieldIsOnline, Value: to == model.PresenceOnline},
		{Path: model.FieldLastActivity, Value: remote.ServerTimestamp},
	}
	if to == model.PresenceOffline {
		updates = append(updates, remote.Update{Path: model.FieldLastSeen, Value: remote.ServerTimestamp})
	}
	t.write(ctx, updates)
}

// touch refreshes lastActivity only.
func (t *Tracker) touch(ctx context.Context) {
	t.write(ctx, []remote.Update{
		{Path: model.FieldLastActivity, Value: remote.ServerTimestamp},
	})
}

func (t *Tracker) write(ctx context.Context, updates []remote.Update) {
	ref := t.client.Collection(model.CollUsers).Doc(t.userID)
	err := ref.Update(ctx, updates)
	if err == nil {
		return
	}
	if remote.IsNotFound(err) {
		// First presence write for a brand-new identity: create the
		// skeleton record.
		doc := make(remote.Document, len(updates))
		for _, u := range updates {
			doc[u.Path] = u.Value
		}
		if err := ref.Set(ctx, doc); err == nil {
			return
		}
	}
	if remote.IsPermission(err) {
		t.logger.Debug("presence write permission denied", zap.String("user_id", t.userID))
		return
	}
	t.logger.Warn("presence write failed", zap.Error(err))
}

// WatchUser streams another user's presence. A second watch on the same
// user replaces the first; the stop function is idempotent.
func (t *Tracker) WatchUser(ctx context.Context, userID string) (<-chan model.PresenceRecord, func()) {
	ch, cancel := t.client.Collection(model.CollUsers).Doc(userID).Watch(ctx)
	out := make(chan model.PresenceRecord, 8)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
	t.register("user:"+userID, stop)

	go func() {
		defer close(out)
		for {
			select {
			case upd, ok := <-ch:
				if !ok {
					return
				}
				if upd.Err != nil {
					t.logger.Warn("presence watch error", zap.String("user_id", userID), zap.Error(upd.Err))
					continue
				}
				rec := model.PresenceFromSnapshot(upd.Snap)
				rec.UserID = userID
				select {
				case out <- rec:
				default:
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop
}

// WatchUsers merges the presence of several users into one map-valued
// stream. Each delivery carries the full known state.
func (t *Tracker) WatchUsers(ctx context.Context, userIDs []string) (<-chan map[string]model.PresenceRecord, func()) {
	out := make(chan map[string]model.PresenceRecord, 8)
	done := make(chan struct{})

	var mu sync.Mutex
	state := make(map[string]model.PresenceRecord, len(userIDs))
	cancels := make([]func(), 0, len(userIDs))

	var wg sync.WaitGroup
	for _, id := range userIDs {
		ch, cancel := t.client.Collection(model.CollUsers).Doc(id).Watch(ctx)
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func(id string, ch <-chan remote.DocUpdate) {
			defer wg.Done()
			for {
				select {
				case upd, ok := <-ch:
					if !ok {
						return
					}
					if upd.Err != nil {
						t.logger.Warn("presence watch error", zap.String("user_id", id), zap.Error(upd.Err))
						continue
					}
					rec := model.PresenceFromSnapshot(upd.Snap)
					rec.UserID = id
					mu.Lock()
					state[id] = rec
					merged := make(map[string]model.PresenceRecord, len(state))
					for k, v := range state {
						merged[k] = v
					}
					mu.Unlock()
					select {
					case out <- merged:
					default:
					}
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}(id, ch)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
			close(done)
			go func() {
				wg.Wait()
				close(out)
			}()
		})
	}
	return out, stop
}

func (t *Tracker) register(key string, cancel func()) {
	t.mu.Lock()
	prev := t.watches[key]
	t.watches[key] = cancel
	t.mu.Unlock()
	if prev != nil {
		prev()
	}
}
