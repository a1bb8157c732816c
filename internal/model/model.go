// Package model holds the document shapes shared between the engine and
// the remote store, plus the local offline-queue row. Remote field names
// are the camelCase names the backend collections use.
package model

import "time"

// Remote collection names.
const (
	CollConversations = "conversations"
	CollUsers         = "users"
	SubMessages       = "messages"
)

// MessageType classifies a message body.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// MessageStatus is the delivery state of a message. Transitions are
// monotonic: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// OfflineStatus is the local queue state of an unsent message.
type OfflineStatus string

const (
	OfflinePending OfflineStatus = "pending"
	OfflineSending OfflineStatus = "sending"
	OfflineSent    OfflineStatus = "sent"
	OfflineFailed  OfflineStatus = "failed"
)

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// LastMessage is the conversation-level cache of the newest message,
// rewritten atomically with every send.
type LastMessage struct {
	MessageID  string
	Text       string
	SenderID   string
	SenderName string
	Type       MessageType
	Timestamp  time.Time
}

// Conversation is the remote conversation record. Participant names and
// avatars are denormalized copies of user-owned data, kept eventually
// consistent by the profile propagation service.
type Conversation struct {
	ID                 string
	Participants       []string
	ParticipantNames   map[string]string
	ParticipantAvatars map[string]string
	LastMessage        *LastMessage
	LastMessageTime    time.Time
	UnreadCount        map[string]int64
	LastReadTimestamp  map[string]time.Time
	TypingUsers        map[string]time.Time
	IsArchived         map[string]bool
	IsMuted            map[string]bool
	IsPinned           map[string]bool
	CreatedAt          time.Time
}

// Message is a remote message record, child of a conversation. Soft
// deleted messages keep their row with IsDeleted set.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	RecipientID    string
	Text           string
	Type           MessageType
	Status         MessageStatus
	Timestamp      time.Time
	IsEdited       bool
	IsDeleted      bool
	Attachments    []string
	Mentions       []string
	Reactions      map[string]string
	ReplyTo        string
}

// OfflineMessage is a locally queued outgoing message. It never leaves
// the device; OptimisticID correlates it with the placeholder the UI
// renders while the send is in flight.
type OfflineMessage struct {
	ID             string
	OptimisticID   string
	ConversationID string
	SenderID       string
	SenderName     string
	RecipientID    string
	Text           string
	Type           MessageType
	Status         OfflineStatus
	RetryCount     int
	MaxRetries     int
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PresenceRecord is the presence field set denormalized onto a user
// record. Written only by that user's own device.
type PresenceRecord struct {
	UserID       string
	Status       PresenceStatus
	IsOnline     bool
	LastActivity time.Time
	LastSeen     time.Time
}

// TypingFreshness is the window within which a typing timestamp counts as
// "still typing". The store does not expire the entry; readers compare.
const TypingFreshness = 5 * time.Second

// IsTyping reports whether a typing timestamp is still fresh at now.
func IsTyping(stamp time.Time, now time.Time) bool {
	return !stamp.IsZero() && now.Sub(stamp) < TypingFreshness
}
