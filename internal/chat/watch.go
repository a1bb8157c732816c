package chat

import (
	"context"
	"sync"

	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
)

// WatchConversationMessages streams the live messages of a conversation,
// newest first, re-delivered in full on every change. A second watch on
// the same conversation replaces the first. The returned stop function
// is idempotent.
func (s *Service) WatchConversationMessages(ctx context.Context, conversationID string, limit int) (<-chan []model.Message, func()) {
	if limit <= 0 {
		limit = 50
	}
	qch, cancel := s.client.Collection(model.CollConversations).Doc(conversationID).
		Collection(model.SubMessages).
		OrderBy(model.FieldTimestamp, remote.Desc).
		Limit(limit * 2).
		Watch(ctx)

	out := make(chan []model.Message, 8)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
	key := "messages:" + conversationID
	h := s.registerWatch(key, stop)

	go func() {
		defer close(out)
		for {
			select {
			case snap, ok := <-qch:
				if !ok {
					return
				}
				if snap.Err != nil {
					s.logWatchError("watch messages", snap.Err)
					continue
				}
				deliver(out, decodeLiveMessages(snap.Docs, limit))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { s.unregisterWatch(key, h) }
}

// WatchUserConversations streams the user's conversation list ordered by
// last activity.
func (s *Service) WatchUserConversations(ctx context.Context, userID string) (<-chan []model.Conversation, func()) {
	qch, cancel := s.client.Collection(model.CollConversations).
		Where(model.FieldParticipants, remote.OpArrayContains, userID).
		OrderBy(model.FieldLastMessageTime, remote.Desc).
		Watch(ctx)

	out := make(chan []model.Conversation, 8)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
	key := "conversations:" + userID
	h := s.registerWatch(key, stop)

	go func() {
		defer close(out)
		for {
			select {
			case snap, ok := <-qch:
				if !ok {
					return
				}
				if snap.Err != nil {
					s.logWatchError("watch conversations", snap.Err)
					continue
				}
				convs := make([]model.Conversation, 0, len(snap.Docs))
				for _, d := range snap.Docs {
					convs = append(convs, *model.ConversationFromSnapshot(d))
				}
				deliver(out, convs)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { s.unregisterWatch(key, h) }
}

// deliver pushes the newest value, displacing a stale undelivered one so
// slow consumers always see the latest state.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
