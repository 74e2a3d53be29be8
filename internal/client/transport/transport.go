package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// State is the realtime connection state.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateReconnecting    State = "reconnecting"
	StateReconnectFailed State = "reconnect_failed"
)

// Conn abstracts one duplex connection so tests can substitute in-memory
// fakes for the websocket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a connection to the realtime endpoint, carrying the
// bearer token at handshake time.
type Dialer func(ctx context.Context, endpoint, token string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func defaultDialer(ctx context.Context, endpoint, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// Endpoint derives the realtime URL from the REST base: the /api suffix
// is stripped and the scheme switched to websocket. REST and realtime
// share a host but live at different paths.
func Endpoint(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Options configures a Transport. Zero values get working defaults.
type Options struct {
	APIBase     string
	Token       string
	Dialer      Dialer
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Transport manages the single process-wide realtime connection: dial
// with authentication, room membership with auto-rejoin, send fast path
// and bounded-backoff reconnection after unexpected drops.
type Transport struct {
	mu    sync.Mutex
	state State
	conn  Conn

	endpoint    string
	token       string
	dialer      Dialer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	rooms         map[string]bool
	msgListeners  map[int]func(wire.Envelope)
	connListeners map[int]func(State)
	nextID        int

	inflight *initCall
	closed   bool
	cancel   context.CancelFunc

	logger *zap.Logger
}

// initCall coalesces concurrent Init callers onto one dial attempt.
type initCall struct {
	done chan struct{}
	ok   bool
}

// New creates a transport. The connection is not established until Init.
func New(opts Options, logger *zap.Logger) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	return &Transport{
		state:         StateDisconnected,
		endpoint:      Endpoint(opts.APIBase),
		token:         opts.Token,
		dialer:        opts.Dialer,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		rooms:         make(map[string]bool),
		msgListeners:  make(map[int]func(wire.Envelope)),
		connListeners: make(map[int]func(State)),
		logger:        logger,
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the fast path is currently usable.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Init establishes the connection if needed. Idempotent: when already
// connected it returns true immediately unless force is set; concurrent
// callers while an attempt is in flight share that attempt's outcome.
// A missing token is a hard failure with no retry.
func (t *Transport) Init(ctx context.Context, force bool) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if t.token == "" {
		t.mu.Unlock()
		t.logger.Warn("realtime init without credentials")
		return false
	}
	if t.state == StateConnected && !force {
		t.mu.Unlock()
		return true
	}
	if call := t.inflight; call != nil && !force {
		t.mu.Unlock()
		select {
		case <-call.done:
			return call.ok
		case <-ctx.Done():
			return false
		}
	}
	if force && t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	call := &initCall{done: make(chan struct{})}
	t.inflight = call
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	ok := t.connect(ctx)

	t.mu.Lock()
	call.ok = ok
	close(call.done)
	if t.inflight == call {
		t.inflight = nil
	}
	t.mu.Unlock()
	return ok
}

// connect performs one dial attempt and, on success, installs the
// connection and starts the read loop.
func (t *Transport) connect(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := t.dialer(dialCtx, t.endpoint, t.token)
	cancel()
	if err != nil {
		t.logger.Warn("realtime dial failed", zap.String("endpoint", t.endpoint), zap.Error(err))
		t.mu.Lock()
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		return false
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		loopCancel()
		_ = conn.Close()
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.conn = conn
	t.cancel = loopCancel
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	t.logger.Info("realtime connected", zap.String("endpoint", t.endpoint))
	t.rejoinRooms(conn)
	go t.readLoop(loopCtx, conn)
	return true
}

// rejoinRooms re-sends join commands for every remembered room.
func (t *Transport) rejoinRooms(conn Conn) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for r := range t.rooms {
		rooms = append(rooms, r)
	}
	t.mu.Unlock()

	for _, r := range rooms {
		if err := t.write(conn, wire.NewEnvelope(wire.CmdJoinRoom, wire.RoomPayload{ConversationID: r})); err != nil {
			t.logger.Warn("room rejoin failed", zap.String("conversation_id", r), zap.Error(err))
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			stale := t.conn != conn || t.closed
			t.mu.Unlock()
			if stale || ctx.Err() != nil {
				return
			}
			t.logger.Warn("realtime connection lost", zap.Error(err))
			t.reconnect(ctx)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		t.dispatch(env)
	}
}

// reconnect retries the dial with increasing, bounded delay. Exhausting
// the attempt budget lands in the terminal reconnect_failed state.
func (t *Transport) reconnect(ctx context.Context) {
	t.mu.Lock()
	t.conn = nil
	t.setStateLocked(StateReconnecting)
	t.mu.Unlock()

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		delay := t.baseDelay * time.Duration(attempt)
		if delay > t.maxDelay {
			delay = t.maxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		t.logger.Info("realtime reconnecting",
			zap.Int("attempt", attempt), zap.Int("max_attempts", t.maxAttempts))
		if t.connect(context.Background()) {
			return
		}
		t.mu.Lock()
		t.setStateLocked(StateReconnecting)
		t.mu.Unlock()
	}

	t.logger.Error("realtime reconnect attempts exhausted")
	t.mu.Lock()
	t.setStateLocked(StateReconnectFailed)
	t.mu.Unlock()
}

// JoinRoom remembers the room and joins it when connected. Remembered
// rooms are automatically rejoined after every (re)connect.
func (t *Transport) JoinRoom(conversationID string) {
	t.mu.Lock()
	t.rooms[conversationID] = true
	conn := t.connectedConnLocked()
	t.mu.Unlock()

	if conn != nil {
		_ = t.write(conn, wire.NewEnvelope(wire.CmdJoinRoom, wire.RoomPayload{ConversationID: conversationID}))
	}
}

// LeaveRoom forgets the room and leaves it when connected.
func (t *Transport) LeaveRoom(conversationID string) {
	t.mu.Lock()
	delete(t.rooms, conversationID)
	conn := t.connectedConnLocked()
	t.mu.Unlock()

	if conn != nil {
		_ = t.write(conn, wire.NewEnvelope(wire.CmdLeaveRoom, wire.RoomPayload{ConversationID: conversationID}))
	}
}

// SendMessage hands a message to the fast path. Returns false when not
// connected or the write fails; the caller falls back to REST either way
// for durability.
func (t *Transport) SendMessage(conversationID, content string, metadata map[string]string) bool {
	t.mu.Lock()
	conn := t.connectedConnLocked()
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	env := wire.NewEnvelope(wire.CmdSendMessage, wire.SendPayload{
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		Metadata:       metadata,
	})
	return t.write(conn, env) == nil
}

// MarkRead sends a batched read receipt over the fast path.
func (t *Transport) MarkRead(conversationID string, messageIDs []string) bool {
	t.mu.Lock()
	conn := t.connectedConnLocked()
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	env := wire.NewEnvelope(wire.CmdMarkRead, wire.ReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
	return t.write(conn, env) == nil
}

// SendTyping emits a typing indicator. Best effort.
func (t *Transport) SendTyping(conversationID string, isTyping bool) bool {
	t.mu.Lock()
	conn := t.connectedConnLocked()
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	env := wire.NewEnvelope(wire.CmdTyping, wire.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	return t.write(conn, env) == nil
}

// AddMessageListener registers a callback for inbound envelopes
// (new_message, message_read, typing). Returns an unsubscribe func.
func (t *Transport) AddMessageListener(fn func(wire.Envelope)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.msgListeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.msgListeners, id)
		t.mu.Unlock()
	}
}

// AddConnectionListener registers a callback for state transitions. The
// callback is immediately invoked with the current state.
func (t *Transport) AddConnectionListener(fn func(State)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.connListeners[id] = fn
	current := t.state
	t.mu.Unlock()

	fn(current)
	return func() {
		t.mu.Lock()
		delete(t.connListeners, id)
		t.mu.Unlock()
	}
}

// Close tears down the connection permanently.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	t.conn = nil
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) connectedConnLocked() Conn {
	if t.state != StateConnected {
		return nil
	}
	return t.conn
}

func (t *Transport) write(conn Conn, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, data)
}

func (t *Transport) dispatch(env wire.Envelope) {
	t.mu.Lock()
	fns := make([]func(wire.Envelope), 0, len(t.msgListeners))
	for _, fn := range t.msgListeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// setStateLocked transitions the state and notifies connection listeners.
// Caller holds t.mu.
func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	fns := make([]func(State), 0, len(t.connListeners))
	for _, fn := range t.connListeners {
		fns = append(fns, fn)
	}
	go func() {
		for _, fn := range fns {
			fn(s)
		}
	}()
}
