package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"spark-chat/internal/user"
)

const (
	maxHistoryPageSize = 200
	// maxHistoryPage keeps page*size within an int.
	maxHistoryPage = math.MaxInt / maxHistoryPageSize
)

var validate = validator.New()

type SendRequest struct {
	Sender              string
	Recipient           string
	Content             string
	Kind                Kind
	SelfDestructSeconds *int
	FileURL             string
	FileName            string
	FileSize            *int64
}

// SendRequestFrom attributes a frame to the identity bound to the session.
func SendRequestFrom(sender string, f InboundFrame) SendRequest {
	return SendRequest{
		Sender:              sender,
		Recipient:           f.Recipient,
		Content:             f.Content,
		Kind:                f.Kind,
		SelfDestructSeconds: f.SelfDestructSeconds,
		FileURL:             f.FileURL,
		FileName:            f.FileName,
		FileSize:            f.FileSize,
	}
}

type DispatcherOptions struct {
	MaxContentLength int
	HistoryPageSize  int
}

// Dispatcher validates, persists and routes direct messages. Independent sends
// run fully in parallel; there is no global lock.
type Dispatcher struct {
	store     Store
	resolver  *Resolver
	users     Directory
	deliverer Deliverer
	log       *slog.Logger
	opts      DispatcherOptions
	now       func() time.Time
}

func NewDispatcher(store Store, users Directory, deliverer Deliverer, log *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	return &Dispatcher{
		store:     store,
		resolver:  NewResolver(store),
		users:     users,
		deliverer: deliverer,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// Send persists the message in the sender/recipient conversation and pushes it
// to the recipient's live sessions. The sender's own sessions never get it back.
// A recipient with no live session is not an error: the message waits in history.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if strings.TrimSpace(req.Sender) == "" {
		return nil, ErrUnknownSender
	}
	if err := d.validate(req); err != nil {
		return nil, err
	}

	sender, err := d.lookup(ctx, req.Sender, ErrUnknownSender)
	if err != nil {
		return nil, err
	}
	if _, err := d.lookup(ctx, req.Recipient, ErrUnknownRecipient); err != nil {
		return nil, err
	}

	sentAt := d.now().UTC()
	msg := &Message{
		Sender:              sender.Username,
		Content:             req.Content,
		Kind:                ParseKind(req.Kind.String()),
		FileURL:             req.FileURL,
		FileName:            req.FileName,
		FileSize:            req.FileSize,
		SelfDestructSeconds: positiveOrNil(req.SelfDestructSeconds),
		ExpiresAt:           ExpiryFor(sentAt, req.SelfDestructSeconds),
		SentAt:              sentAt,
	}

	var saved *Message
	err = d.store.WithTx(ctx, func(tx Store) error {
		conversationID, err := NewResolver(tx).Resolve(ctx, sender.Username, req.Recipient)
		if err != nil {
			return err
		}
		msg.ConversationID = conversationID
		saved, err = tx.SaveMessage(ctx, msg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if req.Recipient == sender.Username {
		// Self-DM: stored, but that would be an echo to the sender.
		return saved, nil
	}

	payload, err := json.Marshal(NewOutboundFrame(saved, sender.Name()))
	if err != nil {
		d.log.Error("Encoding outbound frame failed", "message", saved.ID, "err", err)
		return saved, nil
	}
	if err := d.deliverer.Deliver(ctx, req.Recipient, payload); err != nil {
		// Durably stored, the recipient gets it from history.
		d.log.Warn("Delivery failed", "message", saved.ID, "recipient", req.Recipient, "err", err)
	}
	return saved, nil
}

// Typing relays a typing indicator to the recipient. Never persisted.
func (d *Dispatcher) Typing(ctx context.Context, sender, recipient string, typing bool) error {
	if sender == "" {
		return ErrUnknownSender
	}
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidPayload)
	}
	if recipient == sender {
		return nil
	}
	payload, err := json.Marshal(TypingFrame{Type: FrameTyping, Username: sender, Typing: typing})
	if err != nil {
		return err
	}
	return d.deliverer.Deliver(ctx, recipient, payload)
}

// History returns one page of the requester/peer conversation. Reading never
// creates a conversation.
func (d *Dispatcher) History(ctx context.Context, requester, peer string, page, size int) ([]Message, error) {
	if requester == "" {
		return nil, ErrUnknownSender
	}
	if peer == "" {
		return nil, fmt.Errorf("%w: peer is required", ErrInvalidPayload)
	}
	page = max(0, min(page, maxHistoryPage))
	if size <= 0 {
		size = d.opts.HistoryPageSize
	}
	size = min(size, maxHistoryPageSize)

	conversationID, err := d.resolver.Find(ctx, requester, peer)
	if errors.Is(err, ErrConversationNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	messages, err := d.store.FindConversationHistory(ctx, conversationID, page, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// StartConversation resolves, creating if needed, the conversation with peer.
func (d *Dispatcher) StartConversation(ctx context.Context, requester, peer string) (int64, error) {
	if _, err := d.lookup(ctx, requester, ErrUnknownSender); err != nil {
		return 0, err
	}
	if _, err := d.lookup(ctx, peer, ErrUnknownRecipient); err != nil {
		return 0, err
	}
	conversationID, err := d.resolver.Resolve(ctx, requester, peer)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return conversationID, nil
}

func (d *Dispatcher) validate(req SendRequest) error {
	if strings.TrimSpace(req.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidPayload)
	}
	if d.opts.MaxContentLength > 0 && utf8.RuneCountInString(req.Content) > d.opts.MaxContentLength {
		return fmt.Errorf("%w: content longer than %d characters", ErrInvalidPayload, d.opts.MaxContentLength)
	}
	if err := validate.Var(req.FileURL, "omitempty,url,max=2048"); err != nil {
		return fmt.Errorf("%w: file_url: %v", ErrInvalidPayload, err)
	}
	if req.FileSize != nil && *req.FileSize < 0 {
		return fmt.Errorf("%w: negative file_size", ErrInvalidPayload)
	}
	return nil
}

func (d *Dispatcher) lookup(ctx context.Context, username string, unknown error) (*user.User, error) {
	if username == "" {
		return nil, unknown
	}
	u, err := d.users.GetUserByUsername(ctx, username)
	if errors.Is(err, user.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %s", unknown, username)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: user lookup: %v", ErrPersistence, err)
	}
	return u, nil
}

func positiveOrNil(seconds *int) *int {
	if seconds == nil || *seconds <= 0 {
		return nil
	}
	s := *seconds
	return &s
}
