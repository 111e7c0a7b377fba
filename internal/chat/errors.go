package chat

import "errors"

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrUnknownSender    = errors.New("unknown sender")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrPersistence      = errors.New("persistence unavailable")

	ErrConversationNotFound   = errors.New("conversation not found")
	ErrConversationExists     = errors.New("conversation already exists")
	ErrConversationContention = errors.New("conversation creation kept conflicting")
)

// ErrorCode maps a send error to the short code sent back to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnknownSender):
		return "unknown_sender"
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
