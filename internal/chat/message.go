// Package chat implements the message synchronization engine for a
// patient/doctor conversation: a push channel and a polling fallback
// feed one merge engine that owns the ordered message list.
package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
)

// ParseRole accepts the wire spelling of a role in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	}

	return "", fmt.Errorf("unknown role %q", s)
}

// DeliveryState tracks a message from local insert to server confirmation.
type DeliveryState int

const (
	Optimistic DeliveryState = iota + 1
	Confirmed
	Failed
)

func (d DeliveryState) String() string {
	switch d {
	case Optimistic:
		return "optimistic"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Identity is either a durable server id or an ephemeral local token
// assigned when a message is inserted before the server confirms it.
// The zero value is no identity. Identities compare with ==.
type Identity struct {
	server int64
	local  string
}

// ServerID returns the identity of a message the backend has stored.
func ServerID(id int64) Identity {
	return Identity{server: id}
}

// LocalID wraps an existing local token.
func LocalID(token string) Identity {
	return Identity{local: token}
}

// NewLocalID returns a fresh random local identity.
func NewLocalID() Identity {
	return Identity{local: uuid.NewString()}
}

// Server returns the server id and whether the identity is durable.
func (i Identity) Server() (int64, bool) {
	if i.local != "" || i.server == 0 {
		return 0, false
	}

	return i.server, true
}

// IsLocal reports whether the identity is an unconfirmed local token.
func (i Identity) IsLocal() bool { return i.local != "" }

// IsZero reports whether no identity has been assigned.
func (i Identity) IsZero() bool { return i == Identity{} }

func (i Identity) String() string {
	switch {
	case i.local != "":
		return "local:" + i.local
	case i.server != 0:
		return strconv.FormatInt(i.server, 10)
	}

	return "none"
}

// Message is the canonical form of a chat message. Everything that comes
// off the wire is normalized into this struct before it reaches Merge.
type Message struct {
	ID             Identity
	ConversationID int64
	SenderID       int64
	SenderRole     Role
	Content        string
	AttachmentURL  string
	Timestamp      time.Time
	State          DeliveryState
	IsRead         bool
	Edited         bool

	// Revision is set when this client edited the message.
	Revision Revision

	// Seq is the arrival sequence assigned by Merge. It breaks timestamp
	// ties and is never rewritten once assigned.
	Seq uint64
}

// Foreign reports whether the message was sent by someone other than self.
func (m Message) Foreign(self int64) bool {
	return m.SenderID != self
}

// NewMessage is the payload for creating a message.
type NewMessage struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentURL,omitempty"`
}

// Summary is the derived view of a conversation used by list screens.
type Summary struct {
	ConversationID     int64     `json:"conversation_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageTime    time.Time `json:"last_message_time"`
	UnreadCount        int       `json:"unread_count"`
}
