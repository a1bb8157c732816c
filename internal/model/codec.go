package model

import (
	"time"

	"github.com/tetherchat/tether/internal/remote"
)

// Remote field names.
const (
	FieldParticipants       = "participants"
	FieldParticipantNames   = "participantNames"
	FieldParticipantAvatars = "participantAvatars"
	FieldLastMessage        = "lastMessage"
	FieldLastMessageTime    = "lastMessageTime"
	FieldUnreadCount        = "unreadCount"
	FieldLastReadTimestamp  = "lastReadTimestamp"
	FieldTypingUsers        = "typingUsers"
	FieldIsArchived         = "isArchived"
	FieldIsMuted            = "isMuted"
	FieldIsPinned           = "isPinned"
	FieldCreatedAt          = "createdAt"

	FieldConversationID = "conversationId"
	FieldSenderID       = "senderId"
	FieldSenderName     = "senderName"
	FieldRecipientID    = "recipientId"
	FieldText           = "text"
	FieldType           = "type"
	FieldStatus         = "status"
	FieldTimestamp      = "timestamp"
	FieldIsEdited       = "isEdited"
	FieldIsDeleted      = "isDeleted"
	FieldAttachments    = "attachments"
	FieldMentions       = "mentions"
	FieldReactions      = "reactions"
	FieldReplyTo        = "replyTo"
	FieldMessageID      = "messageId"

	FieldDisplayName  = "displayName"
	FieldPhotoURL     = "photoURL"
	FieldIsOnline     = "isOnline"
	FieldLastActivity = "lastActivity"
	FieldLastSeen     = "lastSeen"
)

// ConversationDoc builds the remote document for a new conversation.
func ConversationDoc(c *Conversation) remote.Document {
	return remote.Document{
		FieldParticipants:       append([]string(nil), c.Participants...),
		FieldParticipantNames:   stringMapDoc(c.ParticipantNames),
		FieldParticipantAvatars: stringMapDoc(c.ParticipantAvatars),
		FieldUnreadCount:        intMapDoc(c.UnreadCount),
		FieldLastReadTimestamp:  map[string]any{},
		FieldTypingUsers:        map[string]any{},
		FieldIsArchived:         map[string]any{},
		FieldIsMuted:            map[string]any{},
		FieldIsPinned:           map[string]any{},
		FieldLastMessageTime:    remote.ServerTimestamp,
		FieldCreatedAt:          remote.ServerTimestamp,
	}
}

// ConversationFromSnapshot decodes a conversation snapshot.
func ConversationFromSnapshot(s remote.Snapshot) *Conversation {
	d := s.Data
	c := &Conversation{
		ID:                 s.ID,
		Participants:       docStrings(d[FieldParticipants]),
		ParticipantNames:   docStringMap(d[FieldParticipantNames]),
		ParticipantAvatars: docStringMap(d[FieldParticipantAvatars]),
		LastMessageTime:    docTime(d[FieldLastMessageTime]),
		UnreadCount:        docIntMap(d[FieldUnreadCount]),
		LastReadTimestamp:  docTimeMap(d[FieldLastReadTimestamp]),
		TypingUsers:        docTimeMap(d[FieldTypingUsers]),
		IsArchived:         docBoolMap(d[FieldIsArchived]),
		IsMuted:            docBoolMap(d[FieldIsMuted]),
		IsPinned:           docBoolMap(d[FieldIsPinned]),
		CreatedAt:          docTime(d[FieldCreatedAt]),
	}
	if lm, ok := d[FieldLastMessage].(map[string]any); ok {
		c.LastMessage = &LastMessage{
			MessageID:  docString(lm[FieldMessageID]),
			Text:       docString(lm[FieldText]),
			SenderID:   docString(lm[FieldSenderID]),
			SenderName: docString(lm[FieldSenderName]),
			Type:       MessageType(docString(lm[FieldType])),
			Timestamp:  docTime(lm[FieldTimestamp]),
		}
	}
	return c
}

// MessageDoc builds the remote document for a message.
func MessageDoc(m *Message) remote.Document {
	doc := remote.Document{
		FieldConversationID: m.ConversationID,
		FieldSenderID:       m.SenderID,
		FieldSenderName:     m.SenderName,
		FieldRecipientID:    m.RecipientID,
		FieldText:           m.Text,
		FieldType:           string(m.Type),
		FieldStatus:         string(m.Status),
		FieldTimestamp:      remote.ServerTimestamp,
		FieldIsEdited:       m.IsEdited,
		FieldIsDeleted:      m.IsDeleted,
		FieldReactions:      stringMapDoc(m.Reactions),
	}
	if len(m.Attachments) > 0 {
		doc[FieldAttachments] = append([]string(nil), m.Attachments...)
	}
	if len(m.Mentions) > 0 {
		doc[FieldMentions] = append([]string(nil), m.Mentions...)
	}
	if m.ReplyTo != "" {
		doc[FieldReplyTo] = m.ReplyTo
	}
	return doc
}

// MessageFromSnapshot decodes a message snapshot.
func MessageFromSnapshot(s remote.Snapshot) *Message {
	d := s.Data
	return &Message{
		ID:             s.ID,
		ConversationID: docString(d[FieldConversationID]),
		SenderID:       docString(d[FieldSenderID]),
		SenderName:     docString(d[FieldSenderName]),
		RecipientID:    docString(d[FieldRecipientID]),
		Text:           docString(d[FieldText]),
		Type:           MessageType(docString(d[FieldType])),
		Status:         MessageStatus(docString(d[FieldStatus])),
		Timestamp:      docTime(d[FieldTimestamp]),
		IsEdited:       docBool(d[FieldIsEdited]),
		IsDeleted:      docBool(d[FieldIsDeleted]),
		Attachments:    docStrings(d[FieldAttachments]),
		Mentions:       docStrings(d[FieldMentions]),
		Reactions:      docStringMap(d[FieldReactions]),
		ReplyTo:        docString(d[FieldReplyTo]),
	}
}

// PresenceFromSnapshot decodes the presence fields of a user snapshot.
func PresenceFromSnapshot(s remote.Snapshot) PresenceRecord {
	d := s.Data
	status := PresenceStatus(docString(d[FieldStatus]))
	if status == "" {
		status = PresenceOffline
	}
	return PresenceRecord{
		UserID:       s.ID,
		Status:       status,
		IsOnline:     docBool(d[FieldIsOnline]),
		LastActivity: docTime(d[FieldLastActivity]),
		LastSeen:     docTime(d[FieldLastSeen]),
	}
}

func stringMapDoc(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intMapDoc(m map[string]int64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func docString(v any) string {
	s, _ := v.(string)
	return s
}

func docBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func docTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func docStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func docStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		if s, ok := e.(string); ok {
			out[k] = s
		}
	}
	return out
}

func docIntMap(v any) map[string]int64 {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(m))
	for k, e := range m {
		switch n := e.(type) {
		case int64:
			out[k] = n
		case int:
			out[k] = int64(n)
		case float64:
			out[k] = int64(n)
		}
	}
	return out
}

func docTimeMap(v any) map[string]time.Time {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]time.Time{}
	}
	out := make(map[string]time.Time, len(m))
	for k, e := range m {
		if t, ok := e.(time.Time); ok {
			out[k] = t
		}
	}
	return out
}

func docBoolMap(v any) map[string]bool {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(m))
	for k, e := range m {
		if b, ok := e.(bool); ok {
			out[k] = b
		}
	}
	return out
}
