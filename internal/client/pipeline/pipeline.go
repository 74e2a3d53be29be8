package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/client/queue"
	"github.com/roamly/roamchat/internal/client/rest"
	"github.com/roamly/roamchat/internal/client/store"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// Connectivity is the online/offline signal consumed by the pipeline.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// Realtime is the fast-path transport surface the pipeline uses.
type Realtime interface {
	Connected() bool
	Init(ctx context.Context, force bool) bool
	JoinRoom(conversationID string)
	LeaveRoom(conversationID string)
	SendMessage(conversationID, content string, metadata map[string]string) bool
	MarkRead(conversationID string, messageIDs []string) bool
	AddMessageListener(fn func(wire.Envelope)) func()
}

// API is the durable REST surface the pipeline uses.
type API interface {
	Send(ctx context.Context, req wire.SendRequest) (*wire.SendResponse, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]wire.Message, error)
}

// ConversationSource finds or creates the target conversation.
type ConversationSource interface {
	GetOrCreate(ctx context.Context, counterpartID, contextID string) (*store.Conversation, error)
}

// ActionQueue is the offline store-and-forward queue.
type ActionQueue interface {
	Enqueue(a *store.PendingAction) error
	Flush(ctx context.Context, exec queue.Executor) error
}

// ErrNoRecipient is returned when a send has neither a conversation nor a
// counterpart to address.
var ErrNoRecipient = errors.New("no recipient or conversation to address")

const defaultPageLimit = 50

// sendAction is the persisted payload of a queued send.
type sendAction struct {
	ConversationID string           `json:"conversationId"`
	ClientID       string           `json:"clientId"`
	Request        wire.SendRequest `json:"request"`
}

// readAction is the persisted payload of a queued read receipt.
type readAction struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// Options configures a Pipeline.
type Options struct {
	UserID       string
	PollInterval time.Duration
}

// Pipeline composes the connectivity monitor, offline queue, realtime
// transport, conversation resolver and REST client into the send/receive
// path. Sends are optimistic: a pending copy is cached immediately, the
// realtime channel is tried as a latency optimization, and the REST call
// is the durable path — captured by the offline queue when the device is
// offline. Inbound realtime pushes, REST responses and periodic re-fetches
// all reconcile into the cache by id and client correlation id, so a
// message is stored exactly once no matter how many paths deliver it.
type Pipeline struct {
	userID       string
	pollInterval time.Duration

	db        *store.DB
	monitor   Connectivity
	queue     ActionQueue
	transport Realtime
	resolver  ConversationSource
	api       API
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.Mutex
	current string // conversation currently open, "" when none

	unsubs []func()
	cancel context.CancelFunc
}

// New creates a pipeline.
func New(opts Options, db *store.DB, monitor Connectivity, q ActionQueue, tr Realtime,
	res ConversationSource, api API, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	return &Pipeline{
		userID:       opts.UserID,
		pollInterval: opts.PollInterval,
		db:           db,
		monitor:      monitor,
		queue:        q,
		transport:    tr,
		resolver:     res,
		api:          api,
		bus:          b,
		logger:       logger,
	}
}

// Start wires the pipeline into its inputs: realtime pushes, connectivity
// flips (which trigger queue flushes) and the polling correctness net.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.unsubs = append(p.unsubs, p.transport.AddMessageListener(p.HandleRealtime))
	p.unsubs = append(p.unsubs, p.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			p.transport.Init(ctx, false)
			if err := p.queue.Flush(ctx, p.ExecuteAction); err != nil {
				p.logger.Error("queue flush failed", zap.Error(err))
			}
		}()
	}))

	go p.pollLoop(ctx)
}

// Stop detaches the pipeline.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

// Open makes a conversation current: joins its realtime room, reconciles
// the latest server page into the cache when reachable, and returns the
// cached messages oldest-first. Offline, the cache alone is returned.
func (p *Pipeline) Open(ctx context.Context, conversationID string) ([]wire.Message, error) {
	p.mu.Lock()
	p.current = conversationID
	p.mu.Unlock()

	id := wire.ParseConvID(conversationID)
	if !id.Local {
		p.transport.JoinRoom(conversationID)
		if p.monitor.IsOnline() {
			p.fetchPage(ctx, conversationID)
		}
	}
	return p.db.ListMessages(conversationID)
}

// Close leaves the conversation's realtime room.
func (p *Pipeline) Close(conversationID string) {
	p.mu.Lock()
	if p.current == conversationID {
		p.current = ""
	}
	p.mu.Unlock()
	if !wire.ParseConvID(conversationID).Local {
		p.transport.LeaveRoom(conversationID)
	}
}

// SendInput describes one outgoing message. ConversationID may be empty
// when CounterpartID is set; the resolver then finds or creates one.
type SendInput struct {
	ConversationID string
	CounterpartID  string
	ContextID      string
	Content        string
}

// Send submits a message. Empty trimmed content is a silent no-op. The
// returned message is the optimistic pending copy unless the durable path
// already confirmed it.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (*wire.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, nil
	}

	conv, err := p.ensureConversation(ctx, in)
	if err != nil {
		return nil, err
	}

	clientID := uuid.New().String()
	optimistic := &wire.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conv.ID,
		SenderID:       p.userID,
		RecipientID:    conv.CounterpartID,
		Content:        content,
		ContextID:      conv.ContextID,
		Status:         wire.StatusPending,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := p.db.UpsertMessage(optimistic); err != nil {
		return nil, err
	}
	p.publish("message.pending", *optimistic)

	metadata := map[string]string{"clientId": clientID}

	// Fast path: only for durable conversations, and never a substitute
	// for the durable REST call below.
	if !conv.Local && p.transport.Connected() {
		p.transport.SendMessage(conv.ID, content, metadata)
	}

	req := wire.SendRequest{
		Content:  content,
		Metadata: metadata,
	}
	if conv.Local {
		req.RecipientID = conv.CounterpartID
		req.ContextID = conv.ContextID
	} else {
		req.ConversationID = conv.ID
	}

	if !p.monitor.IsOnline() {
		payload, err := json.Marshal(sendAction{
			ConversationID: conv.ID,
			ClientID:       clientID,
			Request:        req,
		})
		if err != nil {
			return nil, err
		}
		if err := p.queue.Enqueue(&store.PendingAction{
			Type:     store.ActionSendMessage,
			Method:   "POST",
			Target:   "/send",
			Payload:  payload,
			Critical: true,
		}); err != nil {
			return nil, err
		}
		return optimistic, nil
	}

	confirmed, err := p.deliver(ctx, conv.ID, clientID, req)
	if err != nil {
		if markErr := p.db.MarkMessageFailed(conv.ID, clientID); markErr != nil {
			p.logger.Error("failed to mark message failed", zap.Error(markErr))
		}
		optimistic.Status = wire.StatusFailed
		p.publish("message.failed", *optimistic)
		p.logger.Warn("durable send failed",
			zap.String("conversation_id", conv.ID), zap.String("client_id", clientID), zap.Error(err))
		return optimistic, nil
	}
	return confirmed, nil
}

// Retry resubmits a failed message over the durable path.
func (p *Pipeline) Retry(ctx context.Context, conversationID, messageID string) (*wire.Message, error) {
	msg, err := p.db.GetMessage(conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, rest.ErrNotFound
	}
	if msg.Status != wire.StatusFailed {
		return msg, nil
	}

	msg.Status = wire.StatusPending
	if err := p.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	p.publish("message.pending", *msg)

	req := wire.SendRequest{
		Content:  msg.Content,
		Metadata: map[string]string{"clientId": msg.ClientID},
	}
	if wire.ParseConvID(conversationID).Local {
		req.RecipientID = msg.RecipientID
		req.ContextID = msg.ContextID
	} else {
		req.ConversationID = conversationID
	}

	if !p.monitor.IsOnline() {
		payload, err := json.Marshal(sendAction{
			ConversationID: conversationID,
			ClientID:       msg.ClientID,
			Request:        req,
		})
		if err != nil {
			return nil, err
		}
		if err := p.queue.Enqueue(&store.PendingAction{
			Type: store.ActionSendMessage, Method: "POST", Target: "/send",
			Payload: payload, Critical: true,
		}); err != nil {
			return nil, err
		}
		return msg, nil
	}

	confirmed, err := p.deliver(ctx, conversationID, msg.ClientID, req)
	if err != nil {
		_ = p.db.MarkMessageFailed(conversationID, msg.ID)
		msg.Status = wire.StatusFailed
		p.publish("message.failed", *msg)
		return msg, nil
	}
	return confirmed, nil
}

// deliver runs the durable REST send and reconciles the response into
// the cache, promoting a local conversation when the server assigned a
// durable id.
func (p *Pipeline) deliver(ctx context.Context, conversationID, clientID string, req wire.SendRequest) (*wire.Message, error) {
	resp, err := p.api.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	targetConv := conversationID
	if resp.ConversationID != "" && resp.ConversationID != conversationID {
		// The send went out addressed by recipient; adopt the durable
		// conversation the server chose.
		durable := &store.Conversation{
			ID:            resp.ConversationID,
			CounterpartID: req.RecipientID,
			ContextID:     req.ContextID,
		}
		if wire.ParseConvID(conversationID).Local {
			if err := p.db.PromoteConversation(conversationID, durable); err != nil {
				return nil, err
			}
			p.publish("conversation.promoted", map[string]string{
				"local": conversationID, "durable": resp.ConversationID,
			})
		} else if err := p.db.UpsertConversation(durable); err != nil {
			return nil, err
		}
		targetConv = resp.ConversationID
	}

	authoritative := resp.Message
	authoritative.ConversationID = targetConv
	if err := p.db.ConfirmMessage(targetConv, clientID, &authoritative); err != nil {
		return nil, err
	}
	p.publish("message.confirmed", authoritative)
	return &authoritative, nil
}

// ensureConversation picks the send target: the given conversation, or a
// resolved (possibly local) one for the counterpart.
func (p *Pipeline) ensureConversation(ctx context.Context, in SendInput) (*store.Conversation, error) {
	if in.ConversationID != "" {
		conv, err := p.db.GetConversation(in.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
		// Known to the server but not yet cached.
		c := &store.Conversation{
			ID:            in.ConversationID,
			Local:         wire.ParseConvID(in.ConversationID).Local,
			CounterpartID: in.CounterpartID,
			ContextID:     in.ContextID,
		}
		if err := p.db.UpsertConversation(c); err != nil {
			return nil, err
		}
		return c, nil
	}
	if in.CounterpartID == "" {
		return nil, ErrNoRecipient
	}
	return p.resolver.GetOrCreate(ctx, in.CounterpartID, in.ContextID)
}

// MarkRead records read state locally, over the fast path when connected,
// and durably — queued for replay when offline.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if err := p.db.MarkMessagesRead(conversationID, messageIDs); err != nil {
		return err
	}
	if wire.ParseConvID(conversationID).Local {
		return nil
	}

	if p.transport.Connected() {
		p.transport.MarkRead(conversationID, messageIDs)
	}

	if !p.monitor.IsOnline() {
		payload, err := json.Marshal(readAction{ConversationID: conversationID, MessageIDs: messageIDs})
		if err != nil {
			return err
		}
		return p.queue.Enqueue(&store.PendingAction{
			Type:    store.ActionMarkRead,
			Method:  "PATCH",
			Target:  "/conversations/" + conversationID + "/read",
			Payload: payload,
		})
	}

	if _, err := p.api.MarkRead(ctx, conversationID, messageIDs); err != nil {
		p.logger.Warn("durable mark read failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// HandleRealtime reconciles one inbound realtime envelope into the cache.
func (p *Pipeline) HandleRealtime(env wire.Envelope) {
	switch env.Type {
	case wire.EventNewMessage:
		var msg wire.Message
		if json.Unmarshal(env.Payload, &msg) != nil || msg.ID == "" {
			return
		}
		known, err := p.db.HasMessage(msg.ConversationID, msg.ID)
		if err != nil {
			p.logger.Error("dedup lookup failed", zap.Error(err))
			return
		}
		if known && msg.ClientID == "" {
			return
		}
		// ConfirmMessage absorbs both the fresh-push case and the echo of
		// our own optimistic send.
		if err := p.db.ConfirmMessage(msg.ConversationID, msg.ClientID, &msg); err != nil {
			p.logger.Error("failed to cache pushed message", zap.Error(err))
			return
		}
		if !known {
			p.publish("message.new", msg)
		}

	case wire.EventMessageRead:
		var rp wire.ReadPayload
		if json.Unmarshal(env.Payload, &rp) != nil || rp.ConversationID == "" {
			return
		}
		if err := p.db.MarkMessagesRead(rp.ConversationID, rp.MessageIDs); err != nil {
			p.logger.Error("failed to apply read receipt", zap.Error(err))
			return
		}
		p.publish("message.read", rp)

	case wire.EventTyping:
		var tp wire.TypingPayload
		if json.Unmarshal(env.Payload, &tp) != nil {
			return
		}
		p.publish("message.typing", tp)
	}
}

// ExecuteAction replays one queued action; it is the executor handed to
// the offline queue on flush.
func (p *Pipeline) ExecuteAction(ctx context.Context, a store.PendingAction) error {
	switch a.Type {
	case store.ActionSendMessage:
		var sa sendAction
		if err := json.Unmarshal(a.Payload, &sa); err != nil {
			return err
		}
		_, err := p.deliver(ctx, sa.ConversationID, sa.ClientID, sa.Request)
		if err != nil && !rest.Retriable(err) {
			// Final failure: surface it on the cached message instead of
			// cycling through the queue forever.
			_ = p.db.MarkMessageFailed(sa.ConversationID, sa.ClientID)
			p.logger.Warn("queued send rejected", zap.String("client_id", sa.ClientID), zap.Error(err))
			return nil
		}
		return err

	case store.ActionMarkRead:
		var ra readAction
		if err := json.Unmarshal(a.Payload, &ra); err != nil {
			return err
		}
		_, err := p.api.MarkRead(ctx, ra.ConversationID, ra.MessageIDs)
		if err != nil && !rest.Retriable(err) {
			return nil
		}
		return err

	default:
		p.logger.Warn("unknown queued action", zap.String("type", a.Type))
		return nil
	}
}

// pollLoop is the correctness net: the current conversation's newest page
// is re-fetched on an interval, shortened when the realtime channel is
// down, so missed pushes are eventually reconciled.
func (p *Pipeline) pollLoop(ctx context.Context) {
	for {
		interval := p.pollInterval
		if !p.transport.Connected() {
			interval = p.pollInterval / 3
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}

		p.mu.Lock()
		current := p.current
		p.mu.Unlock()
		if current == "" || wire.ParseConvID(current).Local || !p.monitor.IsOnline() {
			continue
		}
		p.fetchPage(ctx, current)
	}
}

// fetchPage reconciles the newest server page into the cache.
func (p *Pipeline) fetchPage(ctx context.Context, conversationID string) {
	msgs, err := p.api.ListMessages(ctx, conversationID, 1, defaultPageLimit)
	if err != nil {
		p.logger.Debug("page fetch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	for i := range msgs {
		m := msgs[i]
		if err := p.db.ConfirmMessage(conversationID, m.ClientID, &m); err != nil {
			p.logger.Error("failed to cache fetched message", zap.Error(err))
		}
	}
	if len(msgs) > 0 {
		p.publish("message.synced", conversationID)
	}
}

func (p *Pipeline) publish(kind string, payload any) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
