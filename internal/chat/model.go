package chat

import (
	"strings"
	"time"
)

// Kind is the closed set of message kinds.
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindFile
	KindAudio
)

var kindNames = [...]string{
	KindText:  "TEXT",
	KindImage: "IMAGE",
	KindFile:  "FILE",
	KindAudio: "AUDIO",
}

// ParseKind is case-insensitive. Empty or unrecognised input normalises to KindText.
// On the wire a kind is always a string; a JSON number fails decoding.
func ParseKind(s string) Kind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IMAGE":
		return KindImage
	case "FILE":
		return KindFile
	case "AUDIO":
		return KindAudio
	default:
		return KindText
	}
}

func (k Kind) String() string {
	if k < KindText || k > KindAudio {
		return kindNames[KindText]
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText never fails, see ParseKind.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

type Conversation struct {
	ID        int64     `json:"id"`
	PairKey   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted message. ExpiresAt is set iff SelfDestructSeconds is positive
// and then always equals SentAt + SelfDestructSeconds.
type Message struct {
	ID                  int64      `json:"id"`
	ConversationID      int64      `json:"conversation_id"`
	Sender              string     `json:"sender"`
	Content             string     `json:"content"`
	Kind                Kind       `json:"kind"`
	FileURL             string     `json:"file_url,omitempty"`
	FileName            string     `json:"file_name,omitempty"`
	FileSize            *int64     `json:"file_size,omitempty"`
	SelfDestructSeconds *int       `json:"self_destruct_seconds,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	SentAt              time.Time  `json:"sent_at"`
	EditedAt            *time.Time `json:"edited_at,omitempty"`
	Deleted             bool       `json:"deleted"`
}

// ExpiryFor computes the self-destruct deadline of a message sent at sentAt.
func ExpiryFor(sentAt time.Time, selfDestructSeconds *int) *time.Time {
	if selfDestructSeconds == nil || *selfDestructSeconds <= 0 {
		return nil
	}
	expiresAt := sentAt.Add(time.Duration(*selfDestructSeconds) * time.Second)
	return &expiresAt
}

// Frame types on the websocket.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameError   = "error"
)

// InboundFrame is what clients send over the websocket. The sender is never part
// of it: it comes from the session.
type InboundFrame struct {
	Type                string `json:"type"`
	Content             string `json:"content"`
	Recipient           string `json:"recipient" validate:"required,max=50"`
	Kind                Kind   `json:"kind"`
	SelfDestructSeconds *int   `json:"self_destruct_seconds,omitempty"`
	FileURL             string `json:"file_url,omitempty" validate:"omitempty,url,max=2048"`
	FileName            string `json:"file_name,omitempty" validate:"max=255"`
	FileSize            *int64 `json:"file_size,omitempty" validate:"omitempty,gte=0"`
	Typing              bool   `json:"typing,omitempty"`
}

// OutboundFrame is pushed to the recipient's sessions only.
type OutboundFrame struct {
	Type              string     `json:"type"`
	ID                int64      `json:"id"`
	ConversationID    int64      `json:"conversation_id"`
	Sender            string     `json:"sender"`
	SenderDisplayName string     `json:"sender_display_name"`
	Content           string     `json:"content"`
	Kind              Kind       `json:"kind"`
	SentAt            time.Time  `json:"sent_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	FileURL           string     `json:"file_url,omitempty"`
	FileName          string     `json:"file_name,omitempty"`
	FileSize          *int64     `json:"file_size,omitempty"`
}

func NewOutboundFrame(m *Message, senderDisplayName string) OutboundFrame {
	return OutboundFrame{
		Type:              FrameMessage,
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Sender:            m.Sender,
		SenderDisplayName: senderDisplayName,
		Content:           m.Content,
		Kind:              m.Kind,
		SentAt:            m.SentAt,
		ExpiresAt:         m.ExpiresAt,
		FileURL:           m.FileURL,
		FileName:          m.FileName,
		FileSize:          m.FileSize,
	}
}

// TypingFrame is best effort and never persisted.
type TypingFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
