package client

import (
	"sync"
)

// ReadMarker tells the server the open conversation has been read.
type ReadMarker interface {
	MarkRead(partnerID string) error
}

// UnreadCounter tracks per-conversation unread badges. It is purely
// derived state: seeded from the server's baseline on connect, bumped
// by inbound message events, cleared when a conversation is opened.
type UnreadCounter struct {
	mu     sync.Mutex
	counts map[string]int
	open   string

	marker ReadMarker
}

func NewUnreadCounter(marker ReadMarker) *UnreadCounter {
	return &UnreadCounter{
		counts: make(map[string]int),
		marker: marker,
	}
}

// Seed replaces all counters with the server-computed baseline. Called
// once per connection; local increments accumulated before the baseline
// arrives are superseded by it.
func (u *UnreadCounter) Seed(baseline map[string]int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts = make(map[string]int, len(baseline))
	for partner, n := range baseline {
		if partner == u.open || n == 0 {
			continue
		}
		u.counts[partner] = n
	}
}

// OnMessage bumps the sender's counter unless that conversation is the
// one currently open, in which case the message is already on screen
// and gets marked read instead.
func (u *UnreadCounter) OnMessage(senderID string) error {
	u.mu.Lock()
	if senderID != u.open {
		u.counts[senderID]++
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	return u.marker.MarkRead(senderID)
}

// Open marks the conversation as the active one, zeroes its counter and
// notifies the server so the peer's read ticks update.
func (u *UnreadCounter) Open(partnerID string) error {
	u.mu.Lock()
	u.open = partnerID
	had := u.counts[partnerID] > 0
	delete(u.counts, partnerID)
	u.mu.Unlock()

	if !had {
		return nil
	}
	return u.marker.MarkRead(partnerID)
}

// Close clears the active conversation; subsequent messages from that
// partner count as unread again.
func (u *UnreadCounter) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open = ""
}

// Count returns the badge for one conversation.
func (u *UnreadCounter) Count(partnerID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[partnerID]
}

// Total is the aggregate badge across all conversations.
func (u *UnreadCounter) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}
