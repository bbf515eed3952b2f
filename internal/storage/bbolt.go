package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"lichka/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketMessages     = []byte("messages")
	bucketMessageIndex = []byte("message_index")
	bucketFiles        = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessageIndex); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// ConvKey is the deterministic bucket name for a pair of users,
// independent of who sent first.
func ConvKey(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// OtherParty returns the conversation participant that is not userID.
func OtherParty(convKey, userID string) string {
	parts := strings.SplitN(convKey, "|", 2)
	if len(parts) != 2 {
		return ""
	}
	if parts[0] == userID {
		return parts[1]
	}
	return parts[0]
}

// UpsertUser stores a user in the directory.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			LastSeen:    user.Presence.LastSeen,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// GetUser returns a user from the directory.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all users in the directory.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

// TouchLastSeen persists the disconnect timestamp for a user.
func (s *BboltStorage) TouchLastSeen(userID string, ts int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.LastSeen = ts
		newData, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), newData)
	})
}

// AppendMessage durably stores a message, assigning its per-conversation
// sequence number. The write happens before any broadcast: the store is
// the source of truth.
func (s *BboltStorage) AppendMessage(msg *models.Message) error {
	if msg.SenderID == msg.RecipientID {
		return fmt.Errorf("%w: sender and recipient are the same", models.ErrValidation)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message missing id", models.ErrValidation)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		convKey := ConvKey(msg.SenderID, msg.RecipientID)
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convKey))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMsg := fromModel(msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ID: msg.ID, ConvKey: convKey, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessageIndex).Put(ref.Key(), refData)
	})
}

// ListMessages returns up to limit messages of the conversation between
// viewerID and otherID, in append order, excluding messages the viewer
// soft-deleted. before bounds the result to sequence numbers strictly
// below it; pass 0 for the newest page.
func (s *BboltStorage) ListMessages(viewerID, otherID string, before int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ConvKey(viewerID, otherID)))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		c := convBucket.Cursor()

		var k, v []byte
		if before > 0 {
			maxKey := make([]byte, 8)
			binary.BigEndian.PutUint64(maxKey, uint64(before))
			k, v = c.Seek(maxKey)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		// Walk backwards collecting, then reverse to append order.
		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msg := dbMsg.toModel()
			if msg.DeletedForUser(viewerID) {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead flips read to true on every message sent by otherID to
// readerID that is still unread. Runs in a single transaction, so
// concurrent calls cannot lose updates; the operation is idempotent
// and read never regresses to unread. Returns the number of messages
// flipped.
func (s *BboltStorage) MarkRead(readerID, otherID string) (int, error) {
	flipped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ConvKey(readerID, otherID)))
		if convBucket == nil {
			return nil
		}

		c := convBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.RecipientID != readerID || dbMsg.Read {
				continue
			}
			dbMsg.Read = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := convBucket.Put(dbMsg.Key(), data); err != nil {
				return err
			}
			flipped++
		}
		return nil
	})
	return flipped, err
}

// EditMessage replaces the content of a message. Only the sender may
// edit; last write wins on concurrent edits.
func (s *BboltStorage) EditMessage(id, editorID, content, html string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, convBucket, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if dbMsg.SenderID != editorID {
			return models.ErrUnauthorized
		}
		if dbMsg.Content == models.Tombstone && len(dbMsg.Attachments) == 0 {
			return fmt.Errorf("%w: message is deleted", models.ErrValidation)
		}

		dbMsg.Content = content
		dbMsg.HTML = html
		dbMsg.Edited = true

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// DeleteForUser hides a message from the requester's view. Either
// participant may do this; the other participant's view is unaffected.
// deletedFor is additive and never shrinks.
func (s *BboltStorage) DeleteForUser(id, requesterID string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, convBucket, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if dbMsg.SenderID != requesterID && dbMsg.RecipientID != requesterID {
			return models.ErrUnauthorized
		}

		for _, u := range dbMsg.DeletedFor {
			if u == requesterID {
				msg = dbMsg.toModel()
				return nil // already hidden, idempotent
			}
		}
		dbMsg.DeletedFor = append(dbMsg.DeletedFor, requesterID)

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// DeleteForEveryone tombstones a message: content and attachments are
// replaced irreversibly for both participants. Only the sender may do it.
func (s *BboltStorage) DeleteForEveryone(id, requesterID string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, convBucket, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if dbMsg.SenderID != requesterID {
			return models.ErrUnauthorized
		}

		dbMsg.Content = models.Tombstone
		dbMsg.HTML = ""
		dbMsg.Attachments = nil
		dbMsg.Edited = false

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// UnreadCounts returns, per conversation partner, the number of unread
// messages addressed to userID. Used to seed client-side badge counters
// on connect.
func (s *BboltStorage) UnreadCounts(userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		return msgBucket.ForEachBucket(func(name []byte) error {
			convKey := string(name)
			partner := OtherParty(convKey, userID)
			if partner == "" || ConvKey(userID, partner) != convKey {
				return nil
			}

			n := 0
			err := msgBucket.Bucket(name).ForEach(func(k, v []byte) error {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.RecipientID == userID && !dbMsg.Read {
					n++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if n > 0 {
				counts[partner] = n
			}
			return nil
		})
	})
	return counts, err
}

// Conversations returns the conversation list for a user: one row per
// partner with the last visible message and the unread count.
func (s *BboltStorage) Conversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		userBucket := tx.Bucket(bucketUsers)

		return msgBucket.ForEachBucket(func(name []byte) error {
			convKey := string(name)
			partnerID := OtherParty(convKey, userID)
			if partnerID == "" || ConvKey(userID, partnerID) != convKey {
				return nil
			}

			conv := models.Conversation{}

			partnerData := userBucket.Get([]byte(partnerID))
			if partnerData == nil {
				return nil // partner no longer in the directory
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(partnerData); err != nil {
				return err
			}
			conv.Partner = dbUser.toModel()

			convBucket := msgBucket.Bucket(name)
			c := convBucket.Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.RecipientID == userID && !dbMsg.Read {
					conv.Unread++
				}
				if conv.LastMessage == nil {
					msg := dbMsg.toModel()
					if !msg.DeletedForUser(userID) {
						conv.LastMessage = &msg
					}
				}
			}

			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(convs, func(i, j int) bool {
		var ti, tj int64
		if convs[i].LastMessage != nil {
			ti = convs[i].LastMessage.CreatedAt
		}
		if convs[j].LastMessage != nil {
			tj = convs[j].LastMessage.CreatedAt
		}
		return ti > tj
	})
	return convs, nil
}

// lookupMessage resolves a message by ID through the index and returns
// the record together with its conversation bucket.
func lookupMessage(tx *bbolt.Tx, id string) (*DBMessage, *bbolt.Bucket, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, nil, models.ErrNotFound
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, nil, err
	}

	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConvKey))
	if convBucket == nil {
		return nil, nil, models.ErrNotFound
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ref.Seq))
	data := convBucket.Get(key)
	if data == nil {
		return nil, nil, models.ErrNotFound
	}

	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(dbMsg.Key(), key) {
		return nil, nil, fmt.Errorf("message index corrupt for id %s", id)
	}
	return &dbMsg, convBucket, nil
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			LastSeen: u.LastSeen,
		},
	}
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:          m.ID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		HTML:        m.HTML,
		CreatedAt:   m.CreatedAt,
		Read:        m.Read,
		Edited:      m.Edited,
		DeletedFor:  m.DeletedFor,
		ReplyToID:   m.ReplyToID,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}

func fromModel(msg *models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:          msg.ID,
		Seq:         msg.Seq,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		HTML:        msg.HTML,
		CreatedAt:   msg.CreatedAt,
		Read:        msg.Read,
		Edited:      msg.Edited,
		DeletedFor:  msg.DeletedFor,
		ReplyToID:   msg.ReplyToID,
	}
	if len(msg.Attachments) > 0 {
		dbMsg.Attachments = make([]DBAttachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			dbMsg.Attachments[i] = DBAttachment{
				Type:     string(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return dbMsg
}
