package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"lichka/internal/auth"
	"lichka/internal/call"
	"lichka/internal/models"
	"lichka/internal/presence"
	"lichka/internal/storage"
	"lichka/internal/ws"
)

type memFileStore struct {
	files map[string][]byte
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (m *memFileStore) Save(r io.Reader, hash string) error {
	if _, ok := m.files[hash]; ok {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[hash] = data
	return nil
}

func (m *memFileStore) Exists(hash string) bool {
	_, ok := m.files[hash]
	return ok
}

func (m *memFileStore) Get(hash string) (io.ReadCloser, error) {
	data, ok := m.files[hash]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type testEnv struct {
	api   *API
	store *storage.BboltStorage
	auth  *auth.AuthService
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	secret := base64.StdEncoding.EncodeToString([]byte("api-test-secret-0123456789abcdef"))
	as, err := auth.NewAuthService(context.Background(), auth.Config{
		Secret:      secret,
		TokenExpiry: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	registry := presence.NewRegistry(store)
	broker := call.NewBroker(registry, time.Minute)
	hub := ws.NewHub(registry, broker, store)

	a := New(as, store, registry, hub, newMemFileStore())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", a.RequireAuth(a.MeHandler))
	mux.HandleFunc("GET /api/users", a.RequireAuth(a.UsersHandler))
	mux.HandleFunc("GET /api/conversations", a.RequireAuth(a.ConversationsHandler))
	mux.HandleFunc("GET /api/unread", a.RequireAuth(a.UnreadHandler))
	mux.HandleFunc("GET /api/messages/{userId}", a.RequireAuth(a.MessagesHandler))
	mux.HandleFunc("PUT /api/messages/{id}", a.RequireAuth(a.EditMessageHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", a.RequireAuth(a.DeleteMessageHandler))
	mux.HandleFunc("POST /api/messages/upload", a.RequireAuth(a.UploadHandler))
	mux.HandleFunc("GET /api/files/{id}", a.RequireAuth(a.FileHandler))

	return &testEnv{api: a, store: store, auth: as, mux: mux}
}

func (e *testEnv) addUser(t *testing.T, id, name string) string {
	t.Helper()
	err := e.store.UpsertUser(models.User{ID: id, UserName: name, DisplayName: name})
	if err != nil {
		t.Fatalf("failed to add user %s: %v", id, err)
	}
	token, _, err := e.auth.Mint(id)
	if err != nil {
		t.Fatalf("failed to mint token for %s: %v", id, err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) sendMessage(t *testing.T, from, to, text string) models.Message {
	t.Helper()
	msg := models.Message{
		ID:          uuid.NewString(),
		SenderID:    from,
		RecipientID: to,
		Content:     text,
		HTML:        "<p>" + text + "</p>",
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.AppendMessage(&msg); err != nil {
		t.Fatalf("failed to append message: %v", err)
	}
	return msg
}

func TestAPI_AuthRequired(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alice")

	w := env.do(t, http.MethodGet, "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/me", "not-a-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with garbage token, got %d", w.Code)
	}
}

func TestAPI_Me(t *testing.T) {
	env := newTestEnv(t)
	token := env.addUser(t, "alice", "alice")

	w := env.do(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var u models.User
	if err := json.NewDecoder(w.Body).Decode(&u); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if u.ID != "alice" {
		t.Errorf("expected user alice, got %s", u.ID)
	}
}

func TestAPI_Messages(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.addUser(t, "alice", "alice")
	env.addUser(t, "bob", "bob")

	for i := 0; i < 5; i++ {
		env.sendMessage(t, "alice", "bob", fmt.Sprintf("msg %d", i))
	}

	w := env.do(t, http.MethodGet, "/api/messages/bob", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var msgs []models.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("failed to decode messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "msg 0" || msgs[4].Content != "msg 4" {
		t.Errorf("messages out of order: first=%q last=%q", msgs[0].Content, msgs[4].Content)
	}

	// Page backwards from the third message.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/messages/bob?before=%d&limit=2", msgs[2].Seq), aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page []models.Message
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("failed to decode page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 messages in page, got %d", len(page))
	}
	if page[0].Content != "msg 0" || page[1].Content != "msg 1" {
		t.Errorf("wrong page contents: %q, %q", page[0].Content, page[1].Content)
	}

	w = env.do(t, http.MethodGet, "/api/messages/bob?before=abc", aliceToken, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", w.Code)
	}
}

func TestAPI_Conversations(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alice")
	bobToken := env.addUser(t, "bob", "bob")

	env.sendMessage(t, "alice", "bob", "hi bob")

	w := env.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var convs []models.Conversation
	if err := json.NewDecoder(w.Body).Decode(&convs); err != nil {
		t.Fatalf("failed to decode conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].Partner.ID != "alice" {
		t.Errorf("expected partner alice, got %s", convs[0].Partner.ID)
	}
	if convs[0].Unread != 1 {
		t.Errorf("expected 1 unread, got %d", convs[0].Unread)
	}
}

func TestAPI_UnreadBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alice")
	bobToken := env.addUser(t, "bob", "bob")
	env.addUser(t, "carol", "carol")

	env.sendMessage(t, "alice", "bob", "one")
	env.sendMessage(t, "alice", "bob", "two")
	env.sendMessage(t, "carol", "bob", "three")
	env.sendMessage(t, "bob", "alice", "outbound does not count")

	w := env.do(t, http.MethodGet, "/api/unread", bobToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var counts map[string]int
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("failed to decode counts: %v", err)
	}
	if counts["alice"] != 2 || counts["carol"] != 1 {
		t.Errorf("wrong baseline: %v", counts)
	}
	if _, ok := counts["bob"]; ok {
		t.Errorf("own outbound messages counted: %v", counts)
	}

	// Reading the conversation empties its slot in the baseline.
	if _, err := env.store.MarkRead("bob", "alice"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	w = env.do(t, http.MethodGet, "/api/unread", bobToken, nil)
	counts = nil
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("failed to decode counts: %v", err)
	}
	if _, ok := counts["alice"]; ok {
		t.Errorf("read conversation still in baseline: %v", counts)
	}
	if counts["carol"] != 1 {
		t.Errorf("carol baseline lost: %v", counts)
	}
}

func TestAPI_EditMessage(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.addUser(t, "alice", "alice")
	bobToken := env.addUser(t, "bob", "bob")

	msg := env.sendMessage(t, "alice", "bob", "original")

	body := bytes.NewBufferString(`{"content":"*edited*"}`)
	w := env.do(t, http.MethodPut, "/api/messages/"+msg.ID, aliceToken, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var edited models.Message
	if err := json.NewDecoder(w.Body).Decode(&edited); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if edited.Content != "*edited*" || !edited.Edited {
		t.Errorf("edit not applied: %+v", edited)
	}

	// Recipient cannot edit.
	body = bytes.NewBufferString(`{"content":"hijack"}`)
	w = env.do(t, http.MethodPut, "/api/messages/"+msg.ID, bobToken, body)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-sender edit, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/messages/nosuch", aliceToken, bytes.NewBufferString(`{"content":"x"}`))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing message, got %d", w.Code)
	}
}

func TestAPI_DeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.addUser(t, "alice", "alice")
	bobToken := env.addUser(t, "bob", "bob")

	msg := env.sendMessage(t, "alice", "bob", "to vanish")

	// Self delete hides it for bob only.
	w := env.do(t, http.MethodDelete, "/api/messages/"+msg.ID+"?mode=self", bobToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	msgs, err := env.store.ListMessages("bob", "alice", 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected message hidden for bob, got %d messages", len(msgs))
	}

	msgs, err = env.store.ListMessages("alice", "bob", 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected message still visible for alice, got %d messages", len(msgs))
	}

	// Only the sender may delete for everyone.
	w = env.do(t, http.MethodDelete, "/api/messages/"+msg.ID+"?mode=everyone", bobToken, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for recipient everyone-delete, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/messages/"+msg.ID+"?mode=everyone", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var deleted models.Message
	if err := json.NewDecoder(w.Body).Decode(&deleted); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if deleted.Content != models.Tombstone {
		t.Errorf("expected tombstone content, got %q", deleted.Content)
	}

	w = env.do(t, http.MethodDelete, "/api/messages/"+msg.ID+"?mode=bogus", aliceToken, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad mode, got %d", w.Code)
	}
}

func TestAPI_UploadAndDownload(t *testing.T) {
	env := newTestEnv(t)
	token := env.addUser(t, "alice", "alice")

	// Minimal PNG header so type sniffing recognises an image.
	payload := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0x42}, 64)...)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "pic.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/messages/upload", &buf)
	req.Header.Set("token", token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var att models.Attachment
	if err := json.NewDecoder(w.Body).Decode(&att); err != nil {
		t.Fatalf("failed to decode attachment: %v", err)
	}
	if att.Type != models.AttachmentTypeImage {
		t.Errorf("expected image attachment, got %s", att.Type)
	}
	if att.FileID == "" {
		t.Fatal("attachment has no file id")
	}

	dw := env.do(t, http.MethodGet, "/api/files/"+att.FileID, token, nil)
	if dw.Code != http.StatusOK {
		t.Fatalf("expected 200 on download, got %d", dw.Code)
	}
	if !bytes.Equal(dw.Body.Bytes(), payload) {
		t.Error("downloaded content does not match upload")
	}

	dw = env.do(t, http.MethodGet, "/api/files/nosuch", token, nil)
	if dw.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing file, got %d", dw.Code)
	}
}
