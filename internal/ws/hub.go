package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lichka/internal/call"
	"lichka/internal/content"
	"lichka/internal/models"
	"lichka/internal/presence"

	"github.com/google/uuid"
)

const sessionBuffer = 100

// MessageStore is the durable message store the pipeline writes to
// before broadcasting anything.
type MessageStore interface {
	AppendMessage(msg *models.Message) error
	MarkRead(readerID, otherID string) (int, error)
	GetUser(id string) (models.User, error)
}

// Hub routes everything that travels over live sessions: message
// delivery, typing and read-receipt relays, and call signaling.
type Hub struct {
	registry *presence.Registry
	broker   *call.Broker
	store    MessageStore

	now func() time.Time
}

func NewHub(registry *presence.Registry, broker *call.Broker, store MessageStore) *Hub {
	return &Hub{
		registry: registry,
		broker:   broker,
		store:    store,
		now:      time.Now,
	}
}

// Join registers a live session for the user and returns its outbound
// channel. The channel is closed by the registry on Leave or when a
// newer connection replaces this one.
func (h *Hub) Join(userID, connID string) chan models.ServerEvent {
	ch := make(chan models.ServerEvent, sessionBuffer)
	h.registry.Register(userID, connID, ch)
	return ch
}

// Leave tears the session down. If this was the user's live session,
// every call they participate in is force-ended first so the remaining
// peer sees a hangup, then presence flips offline.
func (h *Hub) Leave(userID, connID string) {
	if h.registry.Unregister(userID, connID) {
		h.broker.EndAllFor(userID)
	}
}

// UserExists checks the directory before a connection is accepted.
func (h *Hub) UserExists(userID string) bool {
	_, err := h.store.GetUser(userID)
	return err == nil
}

// Dispatch handles one client event. Validation and authorization
// failures are answered with an error event on the sender's own
// session; delivery misses (offline peer) are not errors.
func (h *Hub) Dispatch(userID string, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventMessage:
		h.sendMessage(userID, ev)
	case models.ClientEventTypingStart:
		h.relayTyping(userID, ev.To, models.ServerEventTypingStart)
	case models.ClientEventTypingStop:
		h.relayTyping(userID, ev.To, models.ServerEventTypingStop)
	case models.ClientEventMarkRead:
		h.markRead(userID, ev.To)
	case models.ClientEventCallUser:
		h.callUser(userID, ev)
	case models.ClientEventAnswerCall:
		if err := h.broker.Answer(userID, ev.To, ev.Signal); err != nil {
			h.sendError(userID, "", err)
		}
	case models.ClientEventICE:
		h.broker.Candidate(userID, ev.To, ev.Candidate)
	case models.ClientEventRejectCall:
		h.broker.Reject(userID, ev.To)
	case models.ClientEventEndCall:
		h.broker.End(userID, ev.To)
	default:
		slog.Debug("ignoring unknown client event", "type", ev.Type, "user", userID)
	}
}

// sendMessage is the delivery pipeline: validate, persist, ack the
// sender with the correlation token, push to the recipient if online.
// The sender ack and the recipient push are independent; no ordering
// between them is promised.
func (h *Hub) sendMessage(senderID string, ev models.ClientEvent) {
	if err := h.validateSend(senderID, ev); err != nil {
		h.sendError(senderID, ev.TempID, err)
		return
	}

	html := ""
	if ev.Content != "" {
		rendered, err := content.Render(ev.Content)
		if err != nil {
			h.sendError(senderID, ev.TempID, fmt.Errorf("%w: %v", models.ErrValidation, err))
			return
		}
		html = rendered
	}

	msg := &models.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: ev.To,
		Content:     ev.Content,
		HTML:        html,
		Attachments: ev.Attachments,
		CreatedAt:   h.now().UnixMilli(),
		ReplyToID:   ev.ReplyTo,
	}

	// Durable write first: the store is the source of truth.
	if err := h.store.AppendMessage(msg); err != nil {
		slog.Error("failed to persist message", "sender", senderID, "error", err)
		h.sendError(senderID, ev.TempID, err)
		return
	}

	h.registry.Send(senderID, models.ServerEvent{
		Type:    models.ServerEventMessageSent,
		TempID:  ev.TempID,
		Message: msg,
	})

	// Offline recipient is the expected branch, not an error: the
	// message is already durable and shows up on their next fetch.
	h.registry.Send(ev.To, models.ServerEvent{
		Type:    models.ServerEventReceiveMessage,
		From:    senderID,
		Message: msg,
	})
}

func (h *Hub) validateSend(senderID string, ev models.ClientEvent) error {
	if ev.To == "" {
		return fmt.Errorf("%w: missing recipient", models.ErrValidation)
	}
	if ev.To == senderID {
		return fmt.Errorf("%w: cannot message yourself", models.ErrValidation)
	}
	if ev.Content == "" && len(ev.Attachments) == 0 {
		return fmt.Errorf("%w: empty message", models.ErrValidation)
	}
	if _, err := h.store.GetUser(ev.To); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown recipient", models.ErrNotFound)
		}
		return err
	}
	return nil
}

// relayTyping forwards a typing signal if the peer is online and drops
// it silently otherwise. Nothing is persisted.
func (h *Hub) relayTyping(fromID, toID string, evType models.ServerEventType) {
	if toID == "" || toID == fromID {
		return
	}
	h.registry.Send(toID, models.ServerEvent{
		Type: evType,
		From: fromID,
	})
}

// markRead flips the read flag on every unread message the other party
// sent to the reader, then tells the other party so their sent-message
// ticks update.
func (h *Hub) markRead(readerID, otherID string) {
	if otherID == "" {
		return
	}
	flipped, err := h.store.MarkRead(readerID, otherID)
	if err != nil {
		slog.Error("failed to mark read", "reader", readerID, "error", err)
		h.sendError(readerID, "", err)
		return
	}
	if flipped == 0 {
		return
	}
	h.registry.Send(otherID, models.ServerEvent{
		Type:        models.ServerEventMessagesRead,
		RecipientID: readerID,
	})
}

func (h *Hub) callUser(callerID string, ev models.ClientEvent) {
	if _, err := h.store.GetUser(ev.To); err != nil {
		h.sendError(callerID, "", fmt.Errorf("%w: unknown callee", models.ErrNotFound))
		return
	}
	if _, err := h.broker.Offer(callerID, ev.To, ev.CallType, ev.Signal); err != nil {
		h.sendError(callerID, "", err)
	}
}

// NotifyDeleted pushes the tombstoned message to the other participant's
// live session so their view updates without a refetch. Called by the
// REST delete handler after a delete-for-everyone.
func (h *Hub) NotifyDeleted(requesterID string, msg models.Message) {
	other := msg.RecipientID
	if other == requesterID {
		other = msg.SenderID
	}
	h.registry.Send(other, models.ServerEvent{
		Type:    models.ServerEventMessageDeleted,
		From:    requesterID,
		Message: &msg,
	})
}

func (h *Hub) sendError(userID, tempID string, err error) {
	h.registry.Send(userID, models.ServerEvent{
		Type:   models.ServerEventError,
		TempID: tempID,
		Code:   models.CodeFor(err),
		Error:  err.Error(),
	})
}
