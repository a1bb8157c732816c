package chat

import (
	"context"
	"fmt"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"go.uber.org/zap"
)

// SendRequest carries everything a send needs. MessageID is optional: a
// retried offline message passes its own stable id so a replayed send
// overwrites the same message document instead of creating a second one.
type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	RecipientID    string
	Text           string
	Type           model.MessageType
	ReplyTo        string
	MessageID      string
}

// SendMessage appends a message and rewrites the conversation summary in
// one transaction: the new message document, the lastMessage cache,
// lastMessageTime and the recipient's unread counter all become visible
// together or not at all. Fails if the conversation no longer exists.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	if req.Type == "" {
		req.Type = model.TypeText
	}
	convRef := s.client.Collection(model.CollConversations).Doc(req.ConversationID)
	msgs := convRef.Collection(model.SubMessages)
	var msgRef remote.Doc
	if req.MessageID != "" {
		msgRef = msgs.Doc(req.MessageID)
	} else {
		msgRef = msgs.NewDoc()
	}

	msg := &model.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		RecipientID:    req.RecipientID,
		Text:           req.Text,
		Type:           req.Type,
		Status:         model.StatusSent,
		ReplyTo:        req.ReplyTo,
	}

	err := s.client.RunTransaction(ctx, func(tx remote.Tx) error {
		snap, err := tx.Get(convRef)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return fmt.Errorf("conversation %s: %w", req.ConversationID, remote.ErrNotFound)
		}

		tx.Set(msgRef, model.MessageDoc(msg))
		tx.Update(convRef, []remote.Update{
			{Path: model.FieldLastMessage, Value: map[string]any{
				model.FieldMessageID:  msgRef.ID(),
				model.FieldText:       req.Text,
				model.FieldSenderID:   req.SenderID,
				model.FieldSenderName: req.SenderName,
				model.FieldType:       string(req.Type),
				model.FieldTimestamp:  remote.ServerTimestamp,
			}},
			{Path: model.FieldLastMessageTime, Value: remote.ServerTimestamp},
			{Path: model.FieldUnreadCount + "." + req.RecipientID, Value: remote.Increment(1)},
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	s.bus.Publish(bus.Now(bus.KindMessageSent, msgRef.ID()))
	return msgRef.ID(), nil
}

// GetConversationMessages returns up to limit live messages, newest
// first. The store cannot combine the soft-delete filter with this
// sort/limit, so the query over-fetches and filters client-side.
func (s *Service) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	snaps, err := s.client.Collection(model.CollConversations).Doc(conversationID).
		Collection(model.SubMessages).
		OrderBy(model.FieldTimestamp, remote.Desc).
		Limit(limit * 2).
		Documents(ctx)
	if err != nil {
		if cerr := s.readError("get messages", err); cerr != nil {
			return nil, fmt.Errorf("query messages: %w", cerr)
		}
		return nil, nil
	}
	return decodeLiveMessages(snaps, limit), nil
}

// EditMessage replaces a message's text and marks it edited.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	ref := s.messageRef(conversationID, messageID)
	err := ref.Update(ctx, []remote.Update{
		{Path: model.FieldText, Value: text},
		{Path: model.FieldIsEdited, Value: true},
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage soft-deletes: the document stays, read paths filter it.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	ref := s.messageRef(conversationID, messageID)
	err := ref.Update(ctx, []remote.Update{
		{Path: model.FieldIsDeleted, Value: true},
	})
	if err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ToggleReaction sets the user's reaction to emoji, or removes it when
// the same emoji is already set.
func (s *Service) ToggleReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error {
	ref := s.messageRef(conversationID, messageID)
	err := s.client.RunTransaction(ctx, func(tx remote.Tx) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return fmt.Errorf("message %s: %w", messageID, remote.ErrNotFound)
		}
		value := any(emoji)
		if model.MessageFromSnapshot(snap).Reactions[userID] == emoji {
			value = remote.DeleteField
		}
		tx.Update(ref, []remote.Update{
			{Path: model.FieldReactions + "." + userID, Value: value},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	return nil
}

func (s *Service) messageRef(conversationID, messageID string) remote.Doc {
	return s.client.Collection(model.CollConversations).Doc(conversationID).
		Collection(model.SubMessages).Doc(messageID)
}

func decodeLiveMessages(snaps []remote.Snapshot, limit int) []model.Message {
	out := make([]model.Message, 0, limit)
	for _, snap := range snaps {
		m := model.MessageFromSnapshot(snap)
		if m.IsDeleted {
			continue
		}
		out = append(out, *m)
		if len(out) == limit {
			break
		}
	}
	return out
}

// logWatchError applies the read-path error discipline inside watch
// goroutines.
func (s *Service) logWatchError(op string, err error) {
	if remote.IsPermission(err) {
		s.logger.Debug("watch permission denied", zap.String("op", op), zap.Error(err))
		return
	}
	s.logger.Warn("watch error", zap.String("op", op), zap.Error(err))
}
