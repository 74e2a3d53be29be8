package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/roamly/roamchat/internal/auth"
	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/server/hub"
	"github.com/roamly/roamchat/internal/server/store"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

type fixture struct {
	app     *fiber.App
	tokens  *auth.Tokens
	service *chat.Service
}

func setupAPI(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "chatd.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	logger := zap.NewNop()
	svc := chat.NewService(db, b, logger)
	h := hub.New(svc, b, logger)
	tokens := auth.NewTokens("test-secret", 0)
	api := New(svc, h, tokens, logger)
	return &fixture{app: api.Router(), tokens: tokens, service: svc}
}

func (f *fixture) request(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if userID != "" {
		token, err := f.tokens.Issue(userID, userID+"@example.com")
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/api/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := decode[wire.ErrorResponse](t, resp)
	if body.Code != codeAuthExpired {
		t.Fatalf("code = %q, want %q", body.Code, codeAuthExpired)
	}
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	f := setupAPI(t)

	expired := auth.NewTokens("test-secret", -1)
	token, err := expired.Issue("alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSendAndListRoundTrip(t *testing.T) {
	f := setupAPI(t)

	resp := f.request(t, http.MethodPost, "/api/send", "alice", wire.SendRequest{
		RecipientID: "bob",
		Content:     "hello bob",
		ContextID:   "listing-42",
		Metadata:    map[string]string{"clientId": "cid-1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d, want 200", resp.StatusCode)
	}
	sent := decode[wire.SendResponse](t, resp)
	if sent.ConversationID == "" || sent.Message.ID == "" {
		t.Fatalf("incomplete send response: %+v", sent)
	}
	if sent.Message.ClientID != "cid-1" {
		t.Fatalf("client id = %q", sent.Message.ClientID)
	}

	resp = f.request(t, http.MethodGet, "/api/conversations", "bob", nil)
	convs := decode[[]wire.Conversation](t, resp)
	if len(convs) != 1 {
		t.Fatalf("bob sees %d conversations, want 1", len(convs))
	}
	if convs[0].UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", convs[0].UnreadCount)
	}
	if convs[0].ContextID != "listing-42" {
		t.Fatalf("context = %q", convs[0].ContextID)
	}

	resp = f.request(t, http.MethodGet, "/api/conversations/"+sent.ConversationID, "bob", nil)
	msgs := decode[[]wire.Message](t, resp)
	if len(msgs) != 1 || msgs[0].Content != "hello bob" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendDeduplicatesByClientID(t *testing.T) {
	f := setupAPI(t)

	req := wire.SendRequest{
		RecipientID: "bob",
		Content:     "only once",
		Metadata:    map[string]string{"clientId": "cid-dup"},
	}
	first := decode[wire.SendResponse](t, f.request(t, http.MethodPost, "/api/send", "alice", req))
	second := decode[wire.SendResponse](t, f.request(t, http.MethodPost, "/api/send", "alice", req))
	if first.Message.ID != second.Message.ID {
		t.Fatalf("duplicate send produced a second message: %q vs %q", first.Message.ID, second.Message.ID)
	}

	resp := f.request(t, http.MethodGet, "/api/conversations/"+first.ConversationID, "alice", nil)
	msgs := decode[[]wire.Message](t, resp)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
}

func TestSendEmptyContentIsValidationError(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodPost, "/api/send", "alice", wire.SendRequest{
		RecipientID: "bob",
		Content:     "   ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decode[wire.ErrorResponse](t, resp)
	if body.Code != codeValidation {
		t.Fatalf("code = %q, want %q", body.Code, codeValidation)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	f := setupAPI(t)

	req := wire.ResolveRequest{RecipientID: "bob", ContextID: "listing-7"}
	first := decode[wire.Conversation](t, f.request(t, http.MethodPost, "/api/conversations", "alice", req))
	second := decode[wire.Conversation](t, f.request(t, http.MethodPost, "/api/conversations", "alice", req))
	if first.ID != second.ID {
		t.Fatalf("resolve returned different conversations: %q vs %q", first.ID, second.ID)
	}

	// A different context between the same pair is a distinct conversation.
	other := decode[wire.Conversation](t, f.request(t, http.MethodPost, "/api/conversations", "alice",
		wire.ResolveRequest{RecipientID: "bob", ContextID: "listing-8"}))
	if other.ID == first.ID {
		t.Fatal("distinct contexts share a conversation")
	}
}

func TestListMessagesOfForeignConversationIsForbidden(t *testing.T) {
	f := setupAPI(t)

	sent := decode[wire.SendResponse](t, f.request(t, http.MethodPost, "/api/send", "alice", wire.SendRequest{
		RecipientID: "bob", Content: "private",
	}))

	resp := f.request(t, http.MethodGet, "/api/conversations/"+sent.ConversationID, "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body := decode[wire.ErrorResponse](t, resp)
	if body.Code != codePermissionDenied {
		t.Fatalf("code = %q, want %q", body.Code, codePermissionDenied)
	}
}

func TestMarkReadRepeatsReportZero(t *testing.T) {
	f := setupAPI(t)

	sent := decode[wire.SendResponse](t, f.request(t, http.MethodPost, "/api/send", "alice", wire.SendRequest{
		RecipientID: "bob", Content: "read receipt",
	}))

	path := "/api/conversations/" + sent.ConversationID + "/read"
	first := decode[wire.MarkReadResponse](t, f.request(t, http.MethodPatch, path, "bob", wire.MarkReadRequest{}))
	if first.Updated != 1 {
		t.Fatalf("first mark read updated = %d, want 1", first.Updated)
	}
	second := decode[wire.MarkReadResponse](t, f.request(t, http.MethodPatch, path, "bob", wire.MarkReadRequest{}))
	if second.Updated != 0 {
		t.Fatalf("second mark read updated = %d, want 0", second.Updated)
	}
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	f := setupAPI(t)

	sent := decode[wire.SendResponse](t, f.request(t, http.MethodPost, "/api/send", "alice", wire.SendRequest{
		RecipientID: "bob", Content: "regret this",
	}))

	resp := f.request(t, http.MethodDelete, "/api/messages/"+sent.Message.ID, "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("recipient delete status = %d, want 403", resp.StatusCode)
	}

	resp = f.request(t, http.MethodDelete, "/api/messages/"+sent.Message.ID, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sender delete status = %d, want 204", resp.StatusCode)
	}

	msgs := decode[[]wire.Message](t, f.request(t, http.MethodGet, "/api/conversations/"+sent.ConversationID, "bob", nil))
	if len(msgs) != 1 || !msgs[0].Deleted || msgs[0].Content != wire.DeletedPlaceholder {
		t.Fatalf("deleted message = %+v", msgs)
	}
}

func TestUnknownConversationIsNotFound(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/api/conversations/nope", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
