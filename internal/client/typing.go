package client

import (
	"sync"
	"time"

	"lichka/internal/models"
)

// DefaultQuietPeriod is how long after the last keystroke a stop signal
// is auto-emitted.
const DefaultQuietPeriod = time.Second

type typingState struct {
	timer     *time.Timer
	lastInput time.Time
}

// TypingNotifier debounces typing signals per peer: the first keystroke
// emits typing-start, every further keystroke resets a quiet-period
// timer, and the timer expiring emits typing-stop. The auto-stop bounds
// how long a stale "typing" indicator can persist on the peer's side if
// an explicit stop is lost.
type TypingNotifier struct {
	mu     sync.Mutex
	typing map[string]*typingState

	sender EventSender
	quiet  time.Duration
	now    func() time.Time
}

func NewTypingNotifier(sender EventSender, quiet time.Duration) *TypingNotifier {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &TypingNotifier{
		typing: make(map[string]*typingState),
		sender: sender,
		quiet:  quiet,
		now:    time.Now,
	}
}

// Input records one keystroke in the conversation with the peer. The
// first keystroke emits typing-start; subsequent ones only push the
// auto-stop further out.
func (n *TypingNotifier) Input(peerID string) error {
	n.mu.Lock()
	if state, active := n.typing[peerID]; active {
		state.lastInput = n.now()
		state.timer.Reset(n.quiet)
		n.mu.Unlock()
		return nil
	}
	n.typing[peerID] = &typingState{
		timer:     time.AfterFunc(n.quiet, func() { n.expire(peerID) }),
		lastInput: n.now(),
	}
	n.mu.Unlock()

	return n.sender.SendEvent(models.ClientEvent{
		Type: models.ClientEventTypingStart,
		To:   peerID,
	})
}

// Stop ends the typing state explicitly, as when the input is cleared
// or the message is sent. A no-op if the peer was not being typed to.
func (n *TypingNotifier) Stop(peerID string) error {
	n.mu.Lock()
	state, active := n.typing[peerID]
	if !active {
		n.mu.Unlock()
		return nil
	}
	state.timer.Stop()
	delete(n.typing, peerID)
	n.mu.Unlock()

	return n.sender.SendEvent(models.ClientEvent{
		Type: models.ClientEventTypingStop,
		To:   peerID,
	})
}

// Typing reports whether the quiet period for the peer is still open.
func (n *TypingNotifier) Typing(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, active := n.typing[peerID]
	return active
}

// expire fires when the quiet-period timer goes off. A keystroke that
// raced the timer re-arms it for the remainder instead of stopping.
func (n *TypingNotifier) expire(peerID string) {
	n.mu.Lock()
	state, active := n.typing[peerID]
	if !active {
		n.mu.Unlock()
		return
	}
	if elapsed := n.now().Sub(state.lastInput); elapsed < n.quiet {
		state.timer.Reset(n.quiet - elapsed)
		n.mu.Unlock()
		return
	}
	delete(n.typing, peerID)
	n.mu.Unlock()

	_ = n.sender.SendEvent(models.ClientEvent{
		Type: models.ClientEventTypingStop,
		To:   peerID,
	})
}
