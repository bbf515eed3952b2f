package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBusy         = errors.New("busy")
	ErrValidation   = errors.New("validation failed")
)

// Tombstone replaces content of a message deleted for everyone.
const Tombstone = "This message was deleted"

// User represents a user in the system.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeAudio AttachmentType = "audio"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// Message is a direct message between two users. Seq is the position
// in the conversation's append order and is assigned by the store.
type Message struct {
	ID          string       `json:"id"`
	Seq         int64        `json:"seq"`
	SenderID    string       `json:"senderId"`
	RecipientID string       `json:"recipientId"`
	Content     string       `json:"content"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   int64        `json:"createdAt"` // Unix timestamp (milliseconds)
	Read        bool         `json:"read"`
	Edited      bool         `json:"edited,omitempty"`
	DeletedFor  []string     `json:"-"`
	ReplyToID   string       `json:"replyToId,omitempty"`
}

// DeletedForUser reports whether the message is soft-deleted
// from the given user's view.
func (m *Message) DeletedForUser(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

type CallState string

const (
	CallStateRinging  CallState = "ringing"
	CallStateIncoming CallState = "incoming"
	CallStateActive   CallState = "active"
	CallStateEnded    CallState = "ended"
)

type ClientEventType string

const (
	ClientEventMessage     ClientEventType = "private-message"
	ClientEventTypingStart ClientEventType = "typing-start"
	ClientEventTypingStop  ClientEventType = "typing-stop"
	ClientEventMarkRead    ClientEventType = "mark-read"
	ClientEventCallUser    ClientEventType = "call-user"
	ClientEventAnswerCall  ClientEventType = "answer-call"
	ClientEventICE         ClientEventType = "ice-candidate"
	ClientEventRejectCall  ClientEventType = "reject-call"
	ClientEventEndCall     ClientEventType = "end-call"
)

// ClientEvent is the envelope for everything a client sends over
// its socket after the handshake.
type ClientEvent struct {
	Type        ClientEventType `json:"type"`
	To          string          `json:"to,omitempty"`
	TempID      string          `json:"tempId,omitempty"`
	Content     string          `json:"content,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	CallType    CallType        `json:"callType,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

type ServerEventType string

const (
	ServerEventStatusChange   ServerEventType = "user-status-change"
	ServerEventMessageSent    ServerEventType = "message-sent"
	ServerEventReceiveMessage ServerEventType = "receive-message"
	ServerEventMessageDeleted ServerEventType = "message-deleted"
	ServerEventMessagesRead   ServerEventType = "messages-read"
	ServerEventTypingStart    ServerEventType = "typing-start"
	ServerEventTypingStop     ServerEventType = "typing-stop"
	ServerEventIncomingCall   ServerEventType = "incoming-call"
	ServerEventCallAccepted   ServerEventType = "call-accepted"
	ServerEventICE            ServerEventType = "ice-candidate"
	ServerEventCallRejected   ServerEventType = "call-rejected"
	ServerEventCallEnded      ServerEventType = "call-ended"
	ServerEventError          ServerEventType = "error"
)

// ErrorCode is the machine-readable taxonomy carried by error events.
type ErrorCode string

const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeNotFound     ErrorCode = "not_found"
	ErrCodeBusy         ErrorCode = "busy"
	ErrCodeValidation   ErrorCode = "validation"
)

// ServerEvent is the envelope for everything the server pushes to a client.
type ServerEvent struct {
	Type        ServerEventType `json:"type"`
	From        string          `json:"from,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Online      bool            `json:"online,omitempty"`
	LastSeen    int64           `json:"lastSeen,omitempty"`
	TempID      string          `json:"tempId,omitempty"`
	Message     *Message        `json:"message,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	CallID      string          `json:"callId,omitempty"`
	CallType    CallType        `json:"callType,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Code        ErrorCode       `json:"code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Conversation is one row of the conversation list: the partner,
// the latest message and the number of unread inbound messages.
type Conversation struct {
	Partner     User     `json:"partner"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Unread      int      `json:"unread"`
}

// CodeFor maps a taxonomy sentinel to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrBusy):
		return ErrCodeBusy
	default:
		return ErrCodeValidation
	}
}
