package chat

import (
	"context"
	"fmt"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"go.uber.org/zap"
)

// FindOrCreateConversation returns the id of the direct conversation
// between userA and userB, creating it if none exists. The check-then-act
// is not atomic across devices: two devices making first contact at the
// same moment can create duplicate conversations.
func (s *Service) FindOrCreateConversation(ctx context.Context, userA, userB string, names, avatars map[string]string) (string, error) {
	snaps, err := s.client.Collection(model.CollConversations).
		Where(model.FieldParticipants, remote.OpArrayContains, userA).
		Documents(ctx)
	if err != nil {
		return "", fmt.Errorf("query conversations: %w", err)
	}

	// The store can only filter on one membership; the exact-pair match
	// happens client-side.
	for _, snap := range snaps {
		c := model.ConversationFromSnapshot(snap)
		if len(c.Participants) == 2 && containsUser(c.Participants, userB) {
			return c.ID, nil
		}
	}

	conv := &model.Conversation{
		Participants:       []string{userA, userB},
		ParticipantNames:   names,
		ParticipantAvatars: avatars,
		UnreadCount:        map[string]int64{userA: 0, userB: 0},
	}
	ref := s.client.Collection(model.CollConversations).NewDoc()
	if err := ref.Set(ctx, model.ConversationDoc(conv)); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", ref.ID()),
		zap.String("user_a", userA),
		zap.String("user_b", userB))
	s.bus.Publish(bus.Now(bus.KindConversationUpdated, ref.ID()))
	return ref.ID(), nil
}

// GetUserConversations lists the user's conversations newest-activity
// first.
func (s *Service) GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	snaps, err := s.client.Collection(model.CollConversations).
		Where(model.FieldParticipants, remote.OpArrayContains, userID).
		OrderBy(model.FieldLastMessageTime, remote.Desc).
		Documents(ctx)
	if err != nil {
		if cerr := s.readError("get conversations", err); cerr != nil {
			return nil, fmt.Errorf("query conversations: %w", cerr)
		}
		return nil, nil
	}

	out := make([]model.Conversation, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, *model.ConversationFromSnapshot(snap))
	}
	return out, nil
}

// MarkMessagesAsRead zeroes the user's unread counter, stamps their last
// read time and flips every message addressed to them out of
// sent/delivered. All writes land in one batch commit. Calling it again
// immediately is a no-op on the message statuses and rewrites the same
// zero counter.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID, userID string) error {
	convRef := s.client.Collection(model.CollConversations).Doc(conversationID)
	msgs := convRef.Collection(model.SubMessages)

	snaps, err := msgs.Where(model.FieldRecipientID, remote.OpEqual, userID).Documents(ctx)
	if err != nil {
		return fmt.Errorf("query unread messages: %w", err)
	}

	b := s.client.Batch()
	b.Update(convRef, []remote.Update{
		{Path: model.FieldUnreadCount + "." + userID, Value: int64(0)},
		{Path: model.FieldLastReadTimestamp + "." + userID, Value: remote.ServerTimestamp},
	})
	flipped := 0
	for _, snap := range snaps {
		m := model.MessageFromSnapshot(snap)
		if m.Status == model.StatusRead {
			continue
		}
		b.Update(msgs.Doc(snap.ID), []remote.Update{
			{Path: model.FieldStatus, Value: string(model.StatusRead)},
		})
		flipped++
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	s.logger.Debug("messages marked read",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int("flipped", flipped))
	return nil
}

// UpdateTypingStatus stamps or clears the user's typing timestamp.
// Readers apply the freshness window via TypingUsers; the store never
// expires the entry itself.
func (s *Service) UpdateTypingStatus(ctx context.Context, conversationID, userID string, isTyping bool) error {
	value := remote.DeleteField
	if isTyping {
		value = remote.ServerTimestamp
	}
	ref := s.client.Collection(model.CollConversations).Doc(conversationID)
	err := ref.Update(ctx, []remote.Update{
		{Path: model.FieldTypingUsers + "." + userID, Value: value},
	})
	if err != nil {
		// Clearing typing state on a conversation that vanished is a
		// satisfied precondition.
		if !isTyping && remote.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("update typing: %w", err)
	}
	return nil
}

// ConversationFlag names a per-user conversation toggle.
type ConversationFlag string

const (
	FlagArchived ConversationFlag = model.FieldIsArchived
	FlagMuted    ConversationFlag = model.FieldIsMuted
	FlagPinned   ConversationFlag = model.FieldIsPinned
)

// SetConversationFlag sets one of the per-user booleans on a
// conversation.
func (s *Service) SetConversationFlag(ctx context.Context, conversationID, userID string, flag ConversationFlag, value bool) error {
	ref := s.client.Collection(model.CollConversations).Doc(conversationID)
	err := ref.Update(ctx, []remote.Update{
		{Path: string(flag) + "." + userID, Value: value},
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", flag, err)
	}
	return nil
}

func containsUser(participants []string, userID string) bool {
	for _, p := range participants {
		if p == userID {
			return true
		}
	}
	return false
}
