// Package profile keeps the denormalized participant names and avatars
// on conversation records in step with the owning user record. It
// watches the local user's own profile and fans changes out, throttled
// so rapid edits collapse into the freshest state.
package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service propagates profile changes into conversation records.
type Service struct {
	client remote.Client
	bus    *bus.Bus
	cfg    *config.Config
	logger *zap.Logger

	now func() time.Time

	mu               sync.Mutex
	lastSync         time.Time
	hasConversations *bool // nil until first propagation answers it
	stopped          bool
	stopWatch        func()
	pending          *pendingEdit
	flushTimer       *time.Timer
}

// pendingEdit is the freshest throttled state, held until the window
// expires.
type pendingEdit struct {
	name   string
	avatar string
}

// NewService creates a propagation service.
func NewService(client remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		client: client,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start subscribes to the user's own profile record. Guest identities
// have no profile to sync and are a permanent no-op.
func (s *Service) Start(ctx context.Context, userID string) {
	if strings.HasPrefix(userID, s.cfg.GuestPrefix) {
		s.logger.Debug("guest identity, profile sync disabled", zap.String("user_id", userID))
		return
	}
	go s.watchLoop(ctx, userID)
}

// Stop tears down the profile watch. Idempotent and safe before Start.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.stopWatch
	s.stopWatch = nil
	s.clearPendingLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// watchLoop owns the profile subscription, re-arming it with exponential
// backoff on errors and abandoning it after too many consecutive
// failures.
func (s *Service) watchLoop(ctx context.Context, userID string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxInterval = s.cfg.ProfileRetryCap.Std()
	policy.RandomizationFactor = 0.25
	policy.MaxElapsedTime = 0
	policy.Reset()

	failures := 0
	for {
		if ctx.Err() != nil || s.isStopped() {
			return
		}

		ch, cancel := s.client.Collection(model.CollUsers).Doc(userID).Watch(ctx)
		s.setWatchCancel(cancel)

		err := s.consume(ctx, userID, ch, func() {
			failures = 0
			policy.Reset()
		})
		cancel()
		if err == nil {
			// Clean shutdown.
			return
		}

		failures++
		if failures >= s.cfg.ProfileRetryLimit {
			s.logger.Error("profile watch abandoned after repeated failures",
				zap.String("user_id", userID),
				zap.Int("failures", failures),
				zap.Error(err))
			return
		}
		wait := policy.NextBackOff()
		s.logger.Warn("profile watch error, re-arming",
			zap.String("user_id", userID),
			zap.Int("failures", failures),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consume drains one watch subscription. Returns nil on shutdown, or the
// error that broke the subscription.
func (s *Service) consume(ctx context.Context, userID string, ch <-chan remote.DocUpdate, onHealthy func()) error {
	for {
		select {
		case upd, ok := <-ch:
			if !ok {
				return nil
			}
			if upd.Err != nil {
				if remote.IsPermission(upd.Err) {
					// Unauthenticated identity: nothing to sync, stop quietly.
					s.logger.Debug("profile watch permission denied", zap.String("user_id", userID))
					return nil
				}
				return upd.Err
			}
			onHealthy()
			if !upd.Snap.Exists {
				continue
			}
			name, _ := upd.Snap.Data[model.FieldDisplayName].(string)
			avatar, _ := upd.Snap.Data[model.FieldPhotoURL].(string)
			s.maybeSync(ctx, userID, name, avatar)
		case <-ctx.Done():
			return nil
		}
	}
}

// maybeSync applies the throttle and the zero-conversations cache. A
// change arriving inside the throttle window is deferred to the window
// edge: the freshest state is remembered, later in-window edits replace
// it, and one flush runs when the window expires. With or without
// further edits, the conversations end up matching the latest state.
func (s *Service) maybeSync(ctx context.Context, userID, name, avatar string) {
	s.mu.Lock()
	if s.hasConversations != nil && !*s.hasConversations {
		s.mu.Unlock()
		s.logger.Debug("no conversations cached, skipping propagation", zap.String("user_id", userID))
		return
	}
	window := s.cfg.ProfileSyncInterval.Std()
	if since := s.now().Sub(s.lastSync); since < window {
		s.pending = &pendingEdit{name: name, avatar: avatar}
		if s.flushTimer == nil {
			s.flushTimer = time.AfterFunc(window-since, func() {
				s.flushPending(ctx, userID)
			})
		}
		s.mu.Unlock()
		s.logger.Debug("propagation throttled, deferred to window edge",
			zap.String("user_id", userID),
			zap.Duration("since_last", since))
		return
	}
	s.lastSync = s.now()
	s.clearPendingLocked()
	s.mu.Unlock()

	if err := s.Propagate(ctx, userID, name, avatar); err != nil {
		s.logger.Error("profile propagation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// flushPending propagates the state deferred by the throttle, if it has
// not been superseded by a direct propagation in the meantime.
func (s *Service) flushPending(ctx context.Context, userID string) {
	s.mu.Lock()
	s.flushTimer = nil
	p := s.pending
	s.pending = nil
	if p == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.lastSync = s.now()
	s.mu.Unlock()

	if err := s.Propagate(ctx, userID, p.name, p.avatar); err != nil {
		s.logger.Error("deferred propagation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// clearPendingLocked drops any deferred edit. Called with s.mu held when
// a fresh propagation supersedes it.
func (s *Service) clearPendingLocked() {
	s.pending = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// ForceSync reads the current profile and propagates it immediately,
// bypassing the throttle. Used at startup so a change made while the
// engine was down still fans out.
func (s *Service) ForceSync(ctx context.Context, userID string) error {
	if strings.HasPrefix(userID, s.cfg.GuestPrefix) {
		return nil
	}
	snap, err := s.client.Collection(model.CollUsers).Doc(userID).Get(ctx)
	if err != nil {
		if remote.IsPermission(err) {
			return nil
		}
		return fmt.Errorf("read profile: %w", err)
	}
	if !snap.Exists {
		return nil
	}
	name, _ := snap.Data[model.FieldDisplayName].(string)
	avatar, _ := snap.Data[model.FieldPhotoURL].(string)

	s.mu.Lock()
	s.lastSync = s.now()
	s.clearPendingLocked()
	s.mu.Unlock()
	return s.Propagate(ctx, userID, name, avatar)
}

// Propagate writes the name/avatar pair into every conversation the user
// participates in, bypassing the throttle. One batch write is attempted
// first; on batch failure each conversation is updated individually so a
// single bad document cannot block the rest.
func (s *Service) Propagate(ctx context.Context, userID, name, avatar string) error {
	conversations := s.client.Collection(model.CollConversations)
	snaps, err := conversations.
		Where(model.FieldParticipants, remote.OpArrayContains, userID).
		Documents(ctx)
	if err != nil {
		if remote.IsPermission(err) {
			s.logger.Debug("conversation query permission denied", zap.String("user_id", userID))
			return nil
		}
		return fmt.Errorf("query conversations: %w", err)
	}

	has := len(snaps) > 0
	s.mu.Lock()
	s.hasConversations = &has
	s.mu.Unlock()
	if !has {
		s.logger.Debug("no conversations to propagate into", zap.String("user_id", userID))
		return nil
	}

	updates := []remote.Update{
		{Path: model.FieldParticipantNames + "." + userID, Value: name},
		{Path: model.FieldParticipantAvatars + "." + userID, Value: avatar},
	}

	b := s.client.Batch()
	for _, snap := range snaps {
		b.Update(conversations.Doc(snap.ID), updates)
	}
	batchErr := b.Commit(ctx)
	if batchErr == nil {
		s.finish(userID, len(snaps))
		return nil
	}
	s.logger.Warn("batch propagation failed, falling back to per-conversation updates",
		zap.String("user_id", userID), zap.Error(batchErr))

	var errs error
	applied := 0
	for _, snap := range snaps {
		if err := conversations.Doc(snap.ID).Update(ctx, updates); err != nil {
			if remote.IsNotFound(err) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("conversation %s: %w", snap.ID, err))
			continue
		}
		applied++
	}
	if applied > 0 {
		s.finish(userID, applied)
	}
	return errs
}

func (s *Service) finish(userID string, count int) {
	s.logger.Info("profile propagated",
		zap.String("user_id", userID),
		zap.Int("conversations", count))
	s.bus.Publish(bus.Now(bus.KindProfileSynced, userID))
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Service) setWatchCancel(cancel func()) {
	s.mu.Lock()
	prev := s.stopWatch
	s.stopWatch = cancel
	stopped := s.stopped
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	if stopped {
		cancel()
	}
}
