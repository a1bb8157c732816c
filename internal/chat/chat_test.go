package chat

import (
	"context"
	"testing"
	"time"

	"github.com/tetherchat/tether/internal/bus"
	"github.com/tetherchat/tether/internal/model"
	"github.com/tetherchat/tether/internal/remote"
	"github.com/tetherchat/tether/internal/remote/memstore"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	logger, _ := zap.NewDevelopment()
	return NewService(store, bus.New(), logger), store
}

// tickingClock returns strictly increasing timestamps so ordering by
// server time is deterministic.
func tickingClock(store *memstore.Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	store.SetClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
}

func createConversation(t *testing.T, s *Service) string {
	t.Helper()
	id, err := s.FindOrCreateConversation(context.Background(), "a", "b",
		map[string]string{"a": "Ada", "b": "Bo"},
		map[string]string{"a": "ada.png", "b": "bo.png"})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestFindOrCreateConversationDedup(t *testing.T) {
	s, _ := newService(t)

	first := createConversation(t, s)
	second, err := s.FindOrCreateConversation(context.Background(), "a", "b", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("got different conversations: %s vs %s", first, second)
	}

	// A different pair gets its own conversation.
	third, err := s.FindOrCreateConversation(context.Background(), "a", "c", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("distinct pair reused conversation")
	}
}

func TestSendMessageAtomicSummary(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)

	msgID, err := s.SendMessage(context.Background(), SendRequest{
		ConversationID: convID,
		SenderID:       "a",
		SenderName:     "Ada",
		RecipientID:    "b",
		Text:           "hello there",
	})
	if err != nil {
		t.Fatal(err)
	}

	data, ok := store.DocData("conversations/" + convID)
	if !ok {
		t.Fatal("conversation missing")
	}
	conv := model.ConversationFromSnapshot(remote.Snapshot{ID: convID, Exists: true, Data: data})
	if conv.LastMessage == nil || conv.LastMessage.Text != "hello there" {
		t.Fatalf("lastMessage = %+v", conv.LastMessage)
	}
	if conv.LastMessage.MessageID != msgID {
		t.Errorf("lastMessage.messageId = %s, want %s", conv.LastMessage.MessageID, msgID)
	}
	if conv.UnreadCount["b"] != 1 {
		t.Errorf("unreadCount[b] = %d, want 1", conv.UnreadCount["b"])
	}
	if conv.UnreadCount["a"] != 0 {
		t.Errorf("unreadCount[a] = %d, want 0", conv.UnreadCount["a"])
	}
	if conv.LastMessageTime.IsZero() {
		t.Error("lastMessageTime not stamped")
	}

	msgData, ok := store.DocData("conversations/" + convID + "/messages/" + msgID)
	if !ok {
		t.Fatal("message missing")
	}
	msg := model.MessageFromSnapshot(remote.Snapshot{ID: msgID, Exists: true, Data: msgData})
	if msg.Status != model.StatusSent || msg.SenderID != "a" || msg.RecipientID != "b" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMessageStableIDOverwrites(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)

	req := SendRequest{
		ConversationID: convID,
		SenderID:       "a",
		RecipientID:    "b",
		Text:           "retry me",
		MessageID:      "offline-1",
	}
	if _, err := s.SendMessage(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	// Replay after a lost acknowledgement.
	if _, err := s.SendMessage(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetConversationMessages(context.Background(), convID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (replay must overwrite)", len(msgs))
	}
}

func TestSendMessageMissingConversation(t *testing.T) {
	s, _ := newService(t)
	_, err := s.SendMessage(context.Background(), SendRequest{
		ConversationID: "ghost",
		SenderID:       "a",
		RecipientID:    "b",
		Text:           "hi",
	})
	if err == nil {
		t.Fatal("expected error for missing conversation")
	}
}

func TestMarkMessagesAsReadIdempotent(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := s.SendMessage(ctx, SendRequest{
			ConversationID: convID, SenderID: "a", RecipientID: "b", Text: text,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkMessagesAsRead(ctx, convID, "b"); err != nil {
		t.Fatal(err)
	}
	check := func() {
		t.Helper()
		data, _ := store.DocData("conversations/" + convID)
		conv := model.ConversationFromSnapshot(remote.Snapshot{ID: convID, Exists: true, Data: data})
		if conv.UnreadCount["b"] != 0 {
			t.Errorf("unreadCount[b] = %d, want 0", conv.UnreadCount["b"])
		}
		if conv.LastReadTimestamp["b"].IsZero() {
			t.Error("lastReadTimestamp[b] not stamped")
		}
		msgs, err := s.GetConversationMessages(ctx, convID, 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			if m.Status != model.StatusRead {
				t.Errorf("message %s status = %s, want read", m.ID, m.Status)
			}
		}
	}
	check()

	// Second call observes the same state.
	if err := s.MarkMessagesAsRead(ctx, convID, "b"); err != nil {
		t.Fatal(err)
	}
	check()
}

func TestTypingStatus(t *testing.T) {
	s, store := newService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	convID := createConversation(t, s)
	ctx := context.Background()

	if err := s.UpdateTypingStatus(ctx, convID, "a", true); err != nil {
		t.Fatal(err)
	}
	data, _ := store.DocData("conversations/" + convID)
	conv := model.ConversationFromSnapshot(remote.Snapshot{ID: convID, Exists: true, Data: data})
	stamp, ok := conv.TypingUsers["a"]
	if !ok {
		t.Fatal("typing stamp missing")
	}
	if !model.IsTyping(stamp, now.Add(2*time.Second)) {
		t.Error("fresh stamp should read as typing")
	}
	if model.IsTyping(stamp, now.Add(6*time.Second)) {
		t.Error("stale stamp should not read as typing")
	}

	if err := s.UpdateTypingStatus(ctx, convID, "a", false); err != nil {
		t.Fatal(err)
	}
	data, _ = store.DocData("conversations/" + convID)
	conv = model.ConversationFromSnapshot(remote.Snapshot{ID: convID, Exists: true, Data: data})
	if _, ok := conv.TypingUsers["a"]; ok {
		t.Error("typing stamp should be cleared")
	}

	// Clearing typing on a vanished conversation succeeds.
	if err := s.UpdateTypingStatus(ctx, "ghost", "a", false); err != nil {
		t.Errorf("clear on missing conversation: %v", err)
	}
}

func TestSoftDeleteFiltered(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)
	ctx := context.Background()

	id1, err := s.SendMessage(ctx, SendRequest{ConversationID: convID, SenderID: "a", RecipientID: "b", Text: "keep"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.SendMessage(ctx, SendRequest{ConversationID: convID, SenderID: "a", RecipientID: "b", Text: "drop"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMessage(ctx, convID, id2); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetConversationMessages(ctx, convID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != id1 {
		t.Errorf("got %+v, want only %s", msgs, id1)
	}

	// The deleted message still exists remotely.
	if _, ok := store.DocData("conversations/" + convID + "/messages/" + id2); !ok {
		t.Error("soft-deleted message physically removed")
	}
}

func TestEditMessage(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)
	ctx := context.Background()

	id, err := s.SendMessage(ctx, SendRequest{ConversationID: convID, SenderID: "a", RecipientID: "b", Text: "typo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EditMessage(ctx, convID, id, "fixed"); err != nil {
		t.Fatal(err)
	}

	data, _ := store.DocData("conversations/" + convID + "/messages/" + id)
	msg := model.MessageFromSnapshot(remote.Snapshot{ID: id, Exists: true, Data: data})
	if msg.Text != "fixed" || !msg.IsEdited {
		t.Errorf("after edit: %+v", msg)
	}
}

func TestToggleReaction(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)
	ctx := context.Background()

	id, err := s.SendMessage(ctx, SendRequest{ConversationID: convID, SenderID: "a", RecipientID: "b", Text: "react"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ToggleReaction(ctx, convID, id, "b", "👍"); err != nil {
		t.Fatal(err)
	}
	data, _ := store.DocData("conversations/" + convID + "/messages/" + id)
	msg := model.MessageFromSnapshot(remote.Snapshot{ID: id, Exists: true, Data: data})
	if msg.Reactions["b"] != "👍" {
		t.Errorf("reactions = %v", msg.Reactions)
	}

	// Same emoji again removes it.
	if err := s.ToggleReaction(ctx, convID, id, "b", "👍"); err != nil {
		t.Fatal(err)
	}
	data, _ = store.DocData("conversations/" + convID + "/messages/" + id)
	msg = model.MessageFromSnapshot(remote.Snapshot{ID: id, Exists: true, Data: data})
	if _, ok := msg.Reactions["b"]; ok {
		t.Errorf("reaction should be removed: %v", msg.Reactions)
	}
}

func TestSetConversationFlag(t *testing.T) {
	s, store := newService(t)
	convID := createConversation(t, s)
	ctx := context.Background()

	if err := s.SetConversationFlag(ctx, convID, "a", FlagMuted, true); err != nil {
		t.Fatal(err)
	}
	data, _ := store.DocData("conversations/" + convID)
	conv := model.ConversationFromSnapshot(remote.Snapshot{ID: convID, Exists: true, Data: data})
	if !conv.IsMuted["a"] {
		t.Error("muted flag not set")
	}
	if conv.IsMuted["b"] {
		t.Error("flag leaked to other participant")
	}
}

func TestWatchConversationMessages(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	convID := createConversation(t, s)
	ctx := context.Background()

	ch, stop := s.WatchConversationMessages(ctx, convID, 10)
	defer stop()

	// Initial delivery is the empty set.
	select {
	case msgs := <-ch:
		if len(msgs) != 0 {
			t.Errorf("initial delivery = %+v, want empty", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial delivery")
	}

	if _, err := s.SendMessage(ctx, SendRequest{ConversationID: convID, SenderID: "a", RecipientID: "b", Text: "ping"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msgs := <-ch:
		if len(msgs) != 1 || msgs[0].Text != "ping" {
			t.Errorf("delivery = %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message delivery")
	}

	// Stop is idempotent, and Close after stop is safe.
	stop()
	stop()
	s.Close()
	s.Close()
}

func TestGetUserConversationsOrdering(t *testing.T) {
	s, store := newService(t)
	tickingClock(store)
	ctx := context.Background()

	first := createConversation(t, s)
	second, err := s.FindOrCreateConversation(ctx, "a", "c", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Activity in the first conversation makes it the most recent.
	if _, err := s.SendMessage(ctx, SendRequest{ConversationID: first, SenderID: "a", RecipientID: "b", Text: "bump"}); err != nil {
		t.Fatal(err)
	}

	convs, err := s.GetUserConversations(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != first || convs[1].ID != second {
		t.Errorf("order = [%s %s], want [%s %s]", convs[0].ID, convs[1].ID, first, second)
	}
}
