// Package chat is the conversation/message transaction layer. Every
// write that touches both a message and its conversation summary goes
// through one remote transaction, so readers never observe the two out
// of step.
package chat

import (
	"sync"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/remote"
	"go.uber.org/zap"
)

// Service exposes the transactional conversation and message operations.
type Service struct {
	client remote.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	watches map[string]*watchHandle
}

type watchHandle struct {
	cancel func()
}

// NewService creates the transaction layer on top of a remote client.
func NewService(client remote.Client, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		client:  client,
		bus:     b,
		logger:  logger,
		watches: make(map[string]*watchHandle),
	}
}

// registerWatch stores the cancel handle under key, cancelling any watch
// already registered there so subscriptions are replaced, never leaked.
func (s *Service) registerWatch(key string, cancel func()) *watchHandle {
	h := &watchHandle{cancel: cancel}
	s.mu.Lock()
	prev := s.watches[key]
	s.watches[key] = h
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return h
}

// unregisterWatch cancels h and drops it, unless a replacement has
// already taken the key.
func (s *Service) unregisterWatch(key string, h *watchHandle) {
	s.mu.Lock()
	if s.watches[key] == h {
		delete(s.watches, key)
	}
	s.mu.Unlock()
	h.cancel()
}

// Close cancels every active watch. Idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	handles := make([]*watchHandle, 0, len(s.watches))
	for _, h := range s.watches {
		handles = append(handles, h)
	}
	s.watches = make(map[string]*watchHandle)
	s.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// readError classifies a read-path failure per the engine's error
// discipline: permission failures degrade to "no data".
func (s *Service) readError(op string, err error) error {
	if remote.IsPermission(err) {
		s.logger.Debug("permission denied, treating as empty", zap.String("op", op), zap.Error(err))
		return nil
	}
	return err
}
