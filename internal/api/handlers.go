package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"lichka/internal/auth"
	"lichka/internal/content"
	"lichka/internal/filestore"
	"lichka/internal/models"
	"lichka/internal/presence"
	"lichka/internal/storage"
	"lichka/internal/ws"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadSize = 25 << 20 // 25 MiB

type API struct {
	auth      *auth.AuthService
	store     *storage.BboltStorage
	registry  *presence.Registry
	hub       *ws.Hub
	filestore filestore.FileStore
}

func New(auth *auth.AuthService, store *storage.BboltStorage, registry *presence.Registry, hub *ws.Hub, fs filestore.FileStore) *API {
	return &API{
		auth:      auth,
		store:     store,
		registry:  registry,
		hub:       hub,
		filestore: fs,
	}
}

// AuthedHandler receives the authenticated user ID along with the request.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// RequireAuth validates the bearer token before calling the handler.
func (a *API) RequireAuth(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		if token == "" {
			if c, err := r.Cookie("token"); err == nil {
				token = c.Value
			}
		}

		userID, err := a.auth.GetUserID(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, models.ErrUnauthorized):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// withPresence overlays live presence onto a directory user.
func (a *API) withPresence(u models.User) models.User {
	if p, known := a.registry.Lookup(u.ID); known {
		if p.Online {
			u.Presence.Online = true
		} else if p.LastSeen > u.Presence.LastSeen {
			u.Presence.LastSeen = p.LastSeen
		}
	}
	return u
}

// MeHandler returns the authenticated user.
func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	u, err := a.store.GetUser(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, a.withPresence(u))
}

// UsersHandler returns the directory with live presence overlaid.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range users {
		users[i] = a.withPresence(users[i])
	}
	writeJSON(w, users)
}

// ConversationsHandler returns the conversation list: partner, last
// message, unread count. Clients seed their badge counters from it.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := a.store.Conversations(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range convs {
		convs[i].Partner = a.withPresence(convs[i].Partner)
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, convs)
}

// UnreadHandler returns the per-partner unread baseline the client
// seeds its badge counters from on connect.
func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	counts, err := a.store.UnreadCounts(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, counts)
}

// MessagesHandler returns a page of the conversation with the user in
// the path, oldest first. ?before=<seq> pages backwards, ?limit caps
// the page size.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	otherID := r.PathValue("userId")
	if otherID == "" {
		http.Error(w, "Missing user id", http.StatusBadRequest)
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid before parameter", http.StatusBadRequest)
			return
		}
		before = parsed
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 200 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	msgs, err := a.store.ListMessages(userID, otherID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, msgs)
}

// EditMessageHandler rewrites a message's content. Sender only.
func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}

	html, err := content.Render(req.Content)
	if err != nil {
		http.Error(w, "Invalid content", http.StatusBadRequest)
		return
	}

	msg, err := a.store.EditMessage(id, userID, req.Content, html)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, msg)
}

// DeleteMessageHandler removes a message. mode=self hides it from the
// requester only; mode=everyone tombstones it for both participants and
// pushes the update to the other party's live session.
func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "self"
	}

	switch mode {
	case "self":
		msg, err := a.store.DeleteForUser(id, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	case "everyone":
		msg, err := a.store.DeleteForEveryone(id, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		a.hub.NotifyDeleted(userID, msg)
		writeJSON(w, msg)
	default:
		http.Error(w, "Invalid mode", http.StatusBadRequest)
	}
}

// UploadHandler accepts one attachment, sniffs its real type, stores it
// content-addressed and returns the attachment descriptor to embed in a
// message.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty file", http.StatusBadRequest)
		return
	}

	kind, _ := filetype.Match(data)
	attachType := models.AttachmentTypeFile
	switch {
	case filetype.IsImage(data):
		attachType = models.AttachmentTypeImage
	case filetype.IsAudio(data):
		attachType = models.AttachmentTypeAudio
	}
	mimeType := kind.MIME.Value
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if !a.filestore.Exists(hash) {
		if err := a.filestore.Save(bytes.NewReader(data), hash); err != nil {
			writeError(w, fmt.Errorf("failed to store file: %w", err))
			return
		}
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      content.Escape(header.Filename),
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		OwnerID:   userID,
	}
	if err := a.store.UpsertFileMetadata(meta); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, models.Attachment{
		Type:     attachType,
		Name:     meta.Name,
		MimeType: mimeType,
		FileID:   meta.ID,
	})
}

// FileHandler serves a stored attachment.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")

	meta, err := a.store.GetFileMetadata(id)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	f, err := a.filestore.Get(meta.Hash)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("failed to stream file %s: %v", id, err)
	}
}
