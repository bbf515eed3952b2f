package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lichka/internal/models"

	"github.com/google/uuid"
)

// Sender delivers events to a user's live session.
type Sender interface {
	Send(userID string, ev models.ServerEvent) bool
	IsOnline(userID string) bool
}

// Session is the signaling-only state of one call between two peers.
// SDP and ICE payloads are opaque: the broker relays them unchanged and
// never persists them.
type Session struct {
	ID        string
	CallerID  string
	CalleeID  string
	Type      models.CallType
	State     models.CallState
	StartedAt time.Time
}

func (s *Session) peerOf(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	}
	return "", false
}

// Broker relays WebRTC signaling between exactly two peers and owns the
// call state machine. At most one non-ended session exists per unordered
// pair; ended sessions are removed from the table immediately.
type Broker struct {
	mu    sync.Mutex
	calls map[string]*Session

	sender      Sender
	ringTimeout time.Duration
	now         func() time.Time
}

func NewBroker(sender Sender, ringTimeout time.Duration) *Broker {
	if ringTimeout <= 0 {
		ringTimeout = 60 * time.Second
	}
	return &Broker{
		calls:       make(map[string]*Session),
		sender:      sender,
		ringTimeout: ringTimeout,
		now:         time.Now,
	}
}

func pairKey(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// Offer starts a call. If a non-ended session already exists for the
// pair the attempt fails with ErrBusy. The offer is relayed to the
// callee if online; otherwise the session stays ringing until the
// caller hangs up or the ring timeout reclaims it.
func (b *Broker) Offer(callerID, calleeID string, callType models.CallType, signal json.RawMessage) (string, error) {
	if callerID == calleeID {
		return "", fmt.Errorf("%w: cannot call yourself", models.ErrValidation)
	}
	if callType != models.CallTypeVoice && callType != models.CallTypeVideo {
		return "", fmt.Errorf("%w: unknown call type %q", models.ErrValidation, callType)
	}

	key := pairKey(callerID, calleeID)

	b.mu.Lock()
	if existing, ok := b.calls[key]; ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: call %s already %s", models.ErrBusy, existing.ID, existing.State)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      callType,
		State:     models.CallStateRinging,
		StartedAt: b.now(),
	}
	b.calls[key] = sess
	b.mu.Unlock()

	delivered := b.sender.Send(calleeID, models.ServerEvent{
		Type:     models.ServerEventIncomingCall,
		From:     callerID,
		CallID:   sess.ID,
		CallType: callType,
		Signal:   signal,
	})
	if !delivered {
		slog.Debug("callee offline, call left ringing", "call", sess.ID, "callee", calleeID)
	}

	return sess.ID, nil
}

// Answer moves a ringing call to active and relays the answer SDP to
// the caller.
func (b *Broker) Answer(calleeID, callerID string, signal json.RawMessage) error {
	key := pairKey(calleeID, callerID)

	b.mu.Lock()
	sess, ok := b.calls[key]
	if !ok || sess.CalleeID != calleeID || sess.CallerID != callerID {
		b.mu.Unlock()
		return fmt.Errorf("%w: no ringing call to answer", models.ErrNotFound)
	}
	if sess.State != models.CallStateRinging {
		b.mu.Unlock()
		return fmt.Errorf("%w: call is %s", models.ErrValidation, sess.State)
	}
	sess.State = models.CallStateActive
	callID := sess.ID
	b.mu.Unlock()

	b.sender.Send(callerID, models.ServerEvent{
		Type:   models.ServerEventCallAccepted,
		From:   calleeID,
		CallID: callID,
		Signal: signal,
	})
	return nil
}

// Candidate relays an ICE candidate verbatim to the other peer of the
// call the sender participates in. No state change; dropped silently if
// there is no live call or the peer is offline.
func (b *Broker) Candidate(fromID, toID string, candidate json.RawMessage) {
	key := pairKey(fromID, toID)

	b.mu.Lock()
	sess, ok := b.calls[key]
	var peer string
	if ok {
		peer, ok = sess.peerOf(fromID)
	}
	b.mu.Unlock()

	if !ok || peer != toID {
		return
	}

	b.sender.Send(toID, models.ServerEvent{
		Type:      models.ServerEventICE,
		From:      fromID,
		Candidate: candidate,
	})
}

// Reject ends a not-yet-active call from either side.
func (b *Broker) Reject(fromID, toID string) {
	b.terminate(fromID, toID, models.ServerEventCallRejected)
}

// End hangs up a call from either side.
func (b *Broker) End(fromID, toID string) {
	b.terminate(fromID, toID, models.ServerEventCallEnded)
}

func (b *Broker) terminate(fromID, toID string, evType models.ServerEventType) {
	key := pairKey(fromID, toID)

	b.mu.Lock()
	sess, ok := b.calls[key]
	var peer string
	if ok {
		peer, ok = sess.peerOf(fromID)
	}
	if ok {
		sess.State = models.CallStateEnded
		delete(b.calls, key)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	b.sender.Send(peer, models.ServerEvent{
		Type:   evType,
		From:   fromID,
		CallID: sess.ID,
	})
}

// EndAllFor force-ends every call the user participates in. Called when
// the user's session is destroyed: disconnect is equivalent to hangup
// for the remaining peer.
func (b *Broker) EndAllFor(userID string) {
	b.mu.Lock()
	var peers []struct {
		peer   string
		callID string
	}
	for key, sess := range b.calls {
		if peer, ok := sess.peerOf(userID); ok {
			sess.State = models.CallStateEnded
			delete(b.calls, key)
			peers = append(peers, struct {
				peer   string
				callID string
			}{peer, sess.ID})
		}
	}
	b.mu.Unlock()

	for _, p := range peers {
		b.sender.Send(p.peer, models.ServerEvent{
			Type:   models.ServerEventCallEnded,
			From:   userID,
			CallID: p.callID,
		})
	}
}

// Active returns the session for a pair, if any.
func (b *Broker) Active(u1, u2 string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.calls[pairKey(u1, u2)]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Run sweeps abandoned ringing sessions until the context is done.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.ringTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep reclaims ringing sessions older than the ring timeout and tells
// both peers the call ended. Active calls are never reclaimed.
func (b *Broker) sweep() {
	cutoff := b.now().Add(-b.ringTimeout)

	b.mu.Lock()
	var stale []*Session
	for key, sess := range b.calls {
		if sess.State == models.CallStateRinging && sess.StartedAt.Before(cutoff) {
			sess.State = models.CallStateEnded
			delete(b.calls, key)
			stale = append(stale, sess)
		}
	}
	b.mu.Unlock()

	for _, sess := range stale {
		slog.Info("reclaiming unanswered call", "call", sess.ID, "caller", sess.CallerID)
		b.sender.Send(sess.CallerID, models.ServerEvent{
			Type:   models.ServerEventCallEnded,
			CallID: sess.ID,
		})
		b.sender.Send(sess.CalleeID, models.ServerEvent{
			Type:   models.ServerEventCallEnded,
			CallID: sess.ID,
		})
	}
}
