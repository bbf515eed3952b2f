package client

import (
	"errors"
	"sync"
	"time"

	"lichka/internal/models"

	"github.com/google/uuid"
)

// OutboxState is the lifecycle tag of an optimistic message. A message
// holds exactly one tag at a time and moves Pending -> Confirmed on ack
// or Pending -> Failed on timeout. Failed messages stay visible until
// retried or dropped; they never silently disappear.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxConfirmed OutboxState = "confirmed"
	OutboxFailed    OutboxState = "failed"
)

var ErrUnknownTempID = errors.New("unknown temp id")

const DefaultSendTimeout = 10 * time.Second

// OutboxEntry is the client-local view of one in-flight message. While
// Pending, Draft is what the UI renders; once Confirmed, Message is the
// server's durable copy and Draft is obsolete.
type OutboxEntry struct {
	TempID    string
	State     OutboxState
	Draft     models.ClientEvent
	Message   *models.Message
	CreatedAt time.Time
}

// EventSender pushes a client event over the live connection.
type EventSender interface {
	SendEvent(ev models.ClientEvent) error
}

// Outbox implements optimistic sending: a message is displayed
// immediately under a generated temp id, emitted over the connection,
// and later reconciled in place when the ack carrying the same temp id
// arrives. An ack that never arrives within the send timeout marks the
// entry Failed so the UI can offer a manual retry.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
	timers  map[string]*time.Timer

	sender  EventSender
	timeout time.Duration
	now     func() time.Time

	// onChange, if set, fires after every state transition.
	onChange func(entry OutboxEntry)
}

func NewOutbox(sender EventSender, timeout time.Duration) *Outbox {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Outbox{
		entries: make(map[string]*OutboxEntry),
		timers:  make(map[string]*time.Timer),
		sender:  sender,
		timeout: timeout,
		now:     time.Now,
	}
}

// OnChange registers a callback invoked with a snapshot of the entry
// after each transition. Must be set before the first Send.
func (o *Outbox) OnChange(fn func(entry OutboxEntry)) {
	o.onChange = fn
}

// Send registers the draft under a fresh temp id, emits it and returns
// the temp id the ack will carry. A send error fails the entry
// immediately instead of waiting out the timeout.
func (o *Outbox) Send(to, content string, attachments []models.Attachment, replyTo string) (string, error) {
	tempID := uuid.NewString()
	ev := models.ClientEvent{
		Type:        models.ClientEventMessage,
		To:          to,
		TempID:      tempID,
		Content:     content,
		Attachments: attachments,
		ReplyTo:     replyTo,
	}

	entry := &OutboxEntry{
		TempID:    tempID,
		State:     OutboxPending,
		Draft:     ev,
		CreatedAt: o.now(),
	}

	o.mu.Lock()
	o.entries[tempID] = entry
	o.mu.Unlock()

	return tempID, o.emit(tempID)
}

// Retry re-emits a Failed entry under its original temp id, so a late
// ack from the first attempt still reconciles the same message.
func (o *Outbox) Retry(tempID string) error {
	o.mu.Lock()
	entry, ok := o.entries[tempID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownTempID
	}
	if entry.State != OutboxFailed {
		o.mu.Unlock()
		return errors.New("entry is not failed")
	}
	entry.State = OutboxPending
	o.mu.Unlock()

	o.notify(tempID)
	return o.emit(tempID)
}

// Confirm resolves the pending entry against the server's durable copy.
// Exactly one confirmation wins; a duplicate or unknown ack is a no-op
// so the sender's view never ends up with two messages for one temp id.
func (o *Outbox) Confirm(tempID string, msg models.Message) bool {
	o.mu.Lock()
	entry, ok := o.entries[tempID]
	if !ok || entry.State == OutboxConfirmed {
		o.mu.Unlock()
		return false
	}
	entry.State = OutboxConfirmed
	entry.Message = &msg
	o.stopTimer(tempID)
	o.mu.Unlock()

	o.notify(tempID)
	return true
}

// Drop removes a Failed entry the user chose not to retry.
func (o *Outbox) Drop(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopTimer(tempID)
	delete(o.entries, tempID)
}

// Get returns a snapshot of the entry.
func (o *Outbox) Get(tempID string) (OutboxEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[tempID]
	if !ok {
		return OutboxEntry{}, false
	}
	return *entry, true
}

// Pending returns snapshots of all entries still awaiting an ack.
func (o *Outbox) Pending() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, e := range o.entries {
		if e.State == OutboxPending {
			out = append(out, *e)
		}
	}
	return out
}

func (o *Outbox) emit(tempID string) error {
	o.mu.Lock()
	entry, ok := o.entries[tempID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownTempID
	}
	ev := entry.Draft
	o.mu.Unlock()

	if err := o.sender.SendEvent(ev); err != nil {
		o.fail(tempID)
		return err
	}

	o.mu.Lock()
	o.stopTimer(tempID)
	o.timers[tempID] = time.AfterFunc(o.timeout, func() { o.fail(tempID) })
	o.mu.Unlock()

	return nil
}

func (o *Outbox) fail(tempID string) {
	o.mu.Lock()
	entry, ok := o.entries[tempID]
	if !ok || entry.State != OutboxPending {
		o.mu.Unlock()
		return
	}
	entry.State = OutboxFailed
	o.stopTimer(tempID)
	o.mu.Unlock()

	o.notify(tempID)
}

// stopTimer must be called with the lock held.
func (o *Outbox) stopTimer(tempID string) {
	if t, ok := o.timers[tempID]; ok {
		t.Stop()
		delete(o.timers, tempID)
	}
}

func (o *Outbox) notify(tempID string) {
	if o.onChange == nil {
		return
	}
	if entry, ok := o.Get(tempID); ok {
		o.onChange(entry)
	}
}
