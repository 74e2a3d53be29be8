package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/client/queue"
	"github.com/roamly/roamchat/internal/client/rest"
	"github.com/roamly/roamchat/internal/client/store"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

func (m *fakeMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *fakeMonitor) flip(online bool) {
	m.mu.Lock()
	m.online = online
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

type sentFrame struct {
	conversationID string
	content        string
	metadata       map[string]string
}

type fakeRealtime struct {
	mu        sync.Mutex
	connected bool
	initCalls int
	joined    []string
	left      []string
	sends     []sentFrame
	reads     []string
}

func (r *fakeRealtime) setConnected(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = on
}

func (r *fakeRealtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRealtime) Init(_ context.Context, _ bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCalls++
	return r.connected
}

func (r *fakeRealtime) JoinRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, id)
}

func (r *fakeRealtime) LeaveRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, id)
}

func (r *fakeRealtime) SendMessage(conversationID, content string, metadata map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentFrame{conversationID, content, metadata})
	return r.connected
}

func (r *fakeRealtime) MarkRead(conversationID string, _ []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, conversationID)
	return r.connected
}

func (r *fakeRealtime) AddMessageListener(_ func(wire.Envelope)) func() {
	return func() {}
}

type fakeAPI struct {
	mu        sync.Mutex
	sendCalls []wire.SendRequest
	sendErr   error
	readCalls int
	listing   []wire.Message
	serial    int
}

func (a *fakeAPI) Send(_ context.Context, req wire.SendRequest) (*wire.SendResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendCalls = append(a.sendCalls, req)
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.serial++
	convID := req.ConversationID
	if convID == "" {
		convID = "conv-durable"
	}
	return &wire.SendResponse{
		ConversationID: convID,
		Message: wire.Message{
			ID:             fmt.Sprintf("srv-%d", a.serial),
			ClientID:       req.Metadata["clientId"],
			ConversationID: convID,
			SenderID:       "alice",
			Content:        req.Content,
			CreatedAt:      time.Now().UnixMilli(),
		},
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, _ string, ids []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readCalls++
	return len(ids), nil
}

func (a *fakeAPI) ListMessages(_ context.Context, _ string, _, _ int) ([]wire.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listing, nil
}

func (a *fakeAPI) sent() []wire.SendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.SendRequest{}, a.sendCalls...)
}

type fakeResolver struct {
	conv  *store.Conversation
	err   error
	calls int
}

func (r *fakeResolver) GetOrCreate(_ context.Context, _, _ string) (*store.Conversation, error) {
	r.calls++
	return r.conv, r.err
}

type fixture struct {
	p        *Pipeline
	db       *store.DB
	monitor  *fakeMonitor
	realtime *fakeRealtime
	api      *fakeAPI
	resolver *fakeResolver
	queue    *queue.Queue
}

func setupPipeline(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		db:       db,
		monitor:  &fakeMonitor{online: true},
		realtime: &fakeRealtime{connected: true},
		api:      &fakeAPI{},
		resolver: &fakeResolver{},
		queue:    queue.New(db, bus.New(), zap.NewNop()),
	}
	f.p = New(Options{UserID: "alice", PollInterval: time.Hour},
		db, f.monitor, f.queue, f.realtime, f.resolver, f.api, bus.New(), zap.NewNop())
	return f
}

func mustCacheConversation(t *testing.T, db *store.DB, c *store.Conversation) {
	t.Helper()
	if err := db.UpsertConversation(c); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
}

func TestSendEmptyContentIsSilentNoOp(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	for _, content := range []string{"", "   ", "\n\t "} {
		msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: content})
		if err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
		if msg != nil {
			t.Fatalf("send %q produced message %+v", content, msg)
		}
	}

	if n := len(f.api.sent()); n != 0 {
		t.Fatalf("api calls = %d, want 0", n)
	}
	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 0 {
		t.Fatalf("cached messages = %d, want 0", len(msgs))
	}
}

func TestSendConfirmsOverDurablePath(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "  hello  "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != wire.StatusConfirmed || msg.ID != "srv-1" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Content != "hello" {
		t.Fatalf("content not trimmed: %q", msg.Content)
	}

	// The realtime fast path was tried too, with the correlation id.
	if len(f.realtime.sends) != 1 || f.realtime.sends[0].metadata["clientId"] == "" {
		t.Fatalf("realtime sends = %+v", f.realtime.sends)
	}

	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Status != wire.StatusConfirmed {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestRealtimeEchoDoesNotDuplicate(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The hub echoes our own message back on the socket.
	echo := wire.Message{
		ID: msg.ID, ClientID: msg.ClientID, ConversationID: "conv-1",
		SenderID: "alice", Content: "hello", CreatedAt: msg.CreatedAt,
	}
	f.p.HandleRealtime(wire.NewEnvelope(wire.EventNewMessage, echo))
	f.p.HandleRealtime(wire.NewEnvelope(wire.EventNewMessage, echo))

	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 {
		t.Fatalf("cache has %d messages, want 1: %+v", len(msgs), msgs)
	}
}

func TestRealtimeEchoBeforeRestResponseStillSingleRow(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	// Optimistic copy in the cache, REST response not yet arrived.
	if err := f.db.UpsertMessage(&wire.Message{
		ID: "cid-1", ClientID: "cid-1", ConversationID: "conv-1",
		SenderID: "alice", Content: "hello", Status: wire.StatusPending,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Echo lands first and replaces the optimistic copy.
	f.p.HandleRealtime(wire.NewEnvelope(wire.EventNewMessage, wire.Message{
		ID: "srv-9", ClientID: "cid-1", ConversationID: "conv-1",
		SenderID: "alice", Content: "hello",
	}))
	// The REST response for the same send reconciles onto the same row.
	if err := f.db.ConfirmMessage("conv-1", "cid-1", &wire.Message{
		ID: "srv-9", ClientID: "cid-1", ConversationID: "conv-1",
		SenderID: "alice", Content: "hello",
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].ID != "srv-9" || msgs[0].Status != wire.StatusConfirmed {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestOfflineSendIsQueuedAndFlushConfirms(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	f.monitor.flip(false)
	f.realtime.connected = false

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != wire.StatusPending {
		t.Fatalf("status = %q, want pending", msg.Status)
	}
	if n := len(f.api.sent()); n != 0 {
		t.Fatalf("api called while offline: %d", n)
	}
	if n, _ := f.queue.Size(); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	// Connectivity returns; the queue replays through the pipeline executor.
	f.monitor.flip(true)
	if err := f.queue.Flush(context.Background(), f.p.ExecuteAction); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].Status != wire.StatusConfirmed || msgs[0].ID != "srv-1" {
		t.Fatalf("cache after flush = %+v", msgs)
	}
	if n, _ := f.queue.Size(); n != 0 {
		t.Fatalf("queue depth after flush = %d", n)
	}
}

func TestSendResolvesConversationForCounterpart(t *testing.T) {
	f := setupPipeline(t)
	f.resolver.conv = &store.Conversation{ID: "conv-1", CounterpartID: "bob", ContextID: "listing-1"}
	mustCacheConversation(t, f.db, f.resolver.conv)

	msg, err := f.p.Send(context.Background(), SendInput{CounterpartID: "bob", ContextID: "listing-1", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.resolver.calls != 1 {
		t.Fatalf("resolver calls = %d", f.resolver.calls)
	}
	if msg.ConversationID != "conv-1" {
		t.Fatalf("message landed in %q", msg.ConversationID)
	}
	sent := f.api.sent()
	if len(sent) != 1 || sent[0].ConversationID != "conv-1" || sent[0].RecipientID != "" {
		t.Fatalf("request = %+v", sent)
	}
}

func TestSendWithoutTargetFails(t *testing.T) {
	f := setupPipeline(t)
	if _, err := f.p.Send(context.Background(), SendInput{Content: "hi"}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("err = %v, want ErrNoRecipient", err)
	}
}

func TestLocalConversationPromotedOnDelivery(t *testing.T) {
	f := setupPipeline(t)
	local := &store.Conversation{ID: wire.NewLocalID().Value, Local: true, CounterpartID: "bob"}
	mustCacheConversation(t, f.db, local)
	f.resolver.conv = local
	f.realtime.connected = false

	msg, err := f.p.Send(context.Background(), SendInput{CounterpartID: "bob", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ConversationID != "conv-durable" || msg.Status != wire.StatusConfirmed {
		t.Fatalf("message = %+v", msg)
	}

	// Addressed by recipient, never by the placeholder id.
	sent := f.api.sent()
	if len(sent) != 1 || sent[0].RecipientID != "bob" || sent[0].ConversationID != "" {
		t.Fatalf("request = %+v", sent)
	}
	// No realtime frame for a local conversation.
	if len(f.realtime.sends) != 0 {
		t.Fatalf("realtime sends = %+v", f.realtime.sends)
	}

	if gone, _ := f.db.GetConversation(local.ID); gone != nil {
		t.Fatalf("placeholder survived: %+v", gone)
	}
	msgs, _ := f.db.ListMessages("conv-durable")
	if len(msgs) != 1 {
		t.Fatalf("messages under durable id = %+v", msgs)
	}
}

func TestSendFailureMarksFailedAndRetrySucceeds(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	f.api.sendErr = rest.ErrServerUnreachable

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != wire.StatusFailed {
		t.Fatalf("status = %q, want failed", msg.Status)
	}

	f.api.sendErr = nil
	retried, err := f.p.Retry(context.Background(), "conv-1", msg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != wire.StatusConfirmed {
		t.Fatalf("retried = %+v", retried)
	}
	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].Status != wire.StatusConfirmed {
		t.Fatalf("cache = %+v", msgs)
	}
}

func TestRetryOfConfirmedMessageIsNoOp(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	again, err := f.p.Retry(context.Background(), "conv-1", msg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.Status != wire.StatusConfirmed {
		t.Fatalf("retry changed status: %+v", again)
	}
	if n := len(f.api.sent()); n != 1 {
		t.Fatalf("api calls = %d, want 1", n)
	}
}

func TestQueuedSendRejectionMarksFailedWithoutRequeue(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	f.monitor.flip(false)
	f.realtime.connected = false

	msg, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The server rejects the replay outright; the action must not cycle.
	f.api.sendErr = &rest.ValidationError{Message: "conversation closed"}
	f.monitor.flip(true)
	if err := f.queue.Flush(context.Background(), f.p.ExecuteAction); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n, _ := f.queue.Size(); n != 0 {
		t.Fatalf("queue depth = %d, want 0", n)
	}

	cached, _ := f.db.GetMessage("conv-1", msg.ID)
	if cached == nil || cached.Status != wire.StatusFailed {
		t.Fatalf("message = %+v, want failed", cached)
	}
}

func TestMarkReadOfflineIsQueued(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	if err := f.db.UpsertMessage(&wire.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "bob", Content: "hi",
		Status: wire.StatusConfirmed,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.monitor.flip(false)
	f.realtime.connected = false

	if err := f.p.MarkRead(context.Background(), "conv-1", []string{"m1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// Local state is updated immediately.
	cached, _ := f.db.GetMessage("conv-1", "m1")
	if cached == nil || !cached.Read {
		t.Fatalf("message = %+v, want read", cached)
	}
	if f.api.readCalls != 0 {
		t.Fatalf("api called while offline")
	}
	if n, _ := f.queue.Size(); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	if err := f.queue.Flush(context.Background(), f.p.ExecuteAction); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if f.api.readCalls != 1 {
		t.Fatalf("read calls after flush = %d", f.api.readCalls)
	}
}

func TestMarkReadOnlineUsesBothPaths(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})

	if err := f.p.MarkRead(context.Background(), "conv-1", nil); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(f.realtime.reads) != 1 || f.realtime.reads[0] != "conv-1" {
		t.Fatalf("realtime reads = %v", f.realtime.reads)
	}
	if f.api.readCalls != 1 {
		t.Fatalf("api read calls = %d", f.api.readCalls)
	}
}

func TestRealtimeReadEventAppliesLocally(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	if err := f.db.UpsertMessage(&wire.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "hi",
		Status: wire.StatusConfirmed,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	f.p.HandleRealtime(wire.NewEnvelope(wire.EventMessageRead, wire.ReadPayload{
		ConversationID: "conv-1", MessageIDs: []string{"m1"}, ReaderID: "bob",
	}))

	cached, _ := f.db.GetMessage("conv-1", "m1")
	if cached == nil || !cached.Read {
		t.Fatalf("message = %+v, want read", cached)
	}
}

func TestOpenJoinsRoomAndReconcilesPage(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	f.api.listing = []wire.Message{
		{ID: "srv-1", ConversationID: "conv-1", SenderID: "bob", Content: "old", CreatedAt: 1},
		{ID: "srv-2", ConversationID: "conv-1", SenderID: "bob", Content: "new", CreatedAt: 2},
	}

	msgs, err := f.p.Open(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(f.realtime.joined) != 1 || f.realtime.joined[0] != "conv-1" {
		t.Fatalf("joined = %v", f.realtime.joined)
	}
	if len(msgs) != 2 || msgs[0].ID != "srv-1" || msgs[1].ID != "srv-2" {
		t.Fatalf("messages = %+v", msgs)
	}

	// A second open reconciles the same page without duplicating.
	msgs, err = f.p.Open(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages after reopen = %+v", msgs)
	}
}

func TestOpenLocalConversationServesCacheOnly(t *testing.T) {
	f := setupPipeline(t)
	local := wire.NewLocalID().Value
	mustCacheConversation(t, f.db, &store.Conversation{ID: local, Local: true, CounterpartID: "bob"})
	if err := f.db.UpsertMessage(&wire.Message{
		ID: "cid-1", ConversationID: local, SenderID: "alice", Content: "queued",
		Status: wire.StatusPending,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msgs, err := f.p.Open(context.Background(), local)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "queued" {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(f.realtime.joined) != 0 {
		t.Fatalf("joined a room for a local conversation: %v", f.realtime.joined)
	}
}

func TestOnlineFlipTriggersInitAndFlush(t *testing.T) {
	f := setupPipeline(t)
	mustCacheConversation(t, f.db, &store.Conversation{ID: "conv-1", CounterpartID: "bob"})
	f.monitor.flip(false)
	f.realtime.connected = false

	f.p.Start(context.Background())
	defer f.p.Stop()

	if _, err := f.p.Send(context.Background(), SendInput{ConversationID: "conv-1", Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := f.queue.Size(); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	f.realtime.setConnected(true)
	f.monitor.flip(true)

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := f.queue.Size(); n == 0 {
			break
		}
		select {
		case <-deadline:
			n, _ := f.queue.Size()
			t.Fatalf("queue not flushed, depth = %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	msgs, _ := f.db.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].Status != wire.StatusConfirmed {
		t.Fatalf("cache = %+v", msgs)
	}
}
