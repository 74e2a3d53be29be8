package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/client/store"
	"go.uber.org/zap"
)

// State is the last known connectivity determination.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// PlatformEvent is a network-change notification from the host platform.
type PlatformEvent int

const (
	// PlatformDisconnected means the platform reports no network at all.
	PlatformDisconnected PlatformEvent = iota
	// PlatformConnected means connected with internet reachability confirmed.
	PlatformConnected
	// PlatformIndeterminate means connected but reachability unknown; the
	// periodic probe decides.
	PlatformIndeterminate
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks reachability with a lightweight HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe issues the HEAD request. Any response counts as reachable; only
// transport-level failure or timeout counts against connectivity.
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

const probeTimeout = 5 * time.Second

// Monitor determines the process-wide online/offline signal. Platform
// events flip the state immediately in both directions; probe results
// only ever flip it to online, so one flaky request cannot take the app
// offline. A persisted bypass flag forces online regardless of checks.
type Monitor struct {
	mu        sync.Mutex
	state     State
	bypass    bool
	failures  int
	seq       uint64
	listeners map[int]func(bool)
	nextID    int

	db       *store.DB
	prober   Prober
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewMonitor creates a monitor, restoring the persisted bypass flag and
// last known state from the cache.
func NewMonitor(db *store.DB, prober Prober, interval time.Duration, b *bus.Bus, logger *zap.Logger) (*Monitor, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		db:        db,
		prober:    prober,
		interval:  interval,
		bus:       b,
		logger:    logger,
		listeners: make(map[int]func(bool)),
	}

	bypass, err := db.GetState(store.StateBypassOnline)
	if err != nil {
		return nil, err
	}
	m.bypass = bypass == "1"

	last, err := db.GetState(store.StateLastKnownState)
	if err != nil {
		return nil, err
	}
	switch last {
	case "1":
		m.state = StateOnline
	case "0":
		m.state = StateOffline
	}
	return m, nil
}

// Start begins the periodic reachability probe loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// IsOnline returns the cached determination. Unknown counts as online so
// a fresh start does not spuriously queue everything.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bypass {
		return true
	}
	return m.state != StateOffline
}

// Failures returns the consecutive probe-failure count, used by callers
// that want to surface a degraded-connectivity hint.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// SetBypass forces the online signal regardless of checks. The flag is
// persisted across restarts.
func (m *Monitor) SetBypass(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := m.db.SetState(store.StateBypassOnline, v); err != nil {
		return err
	}
	m.mu.Lock()
	m.bypass = on
	m.mu.Unlock()
	if on {
		m.notify(true)
	}
	return nil
}

// HandlePlatformEvent applies a platform network-change notification.
// Indeterminate reachability is left to the periodic probe.
func (m *Monitor) HandlePlatformEvent(ev PlatformEvent) {
	m.mu.Lock()
	if m.bypass {
		m.mu.Unlock()
		return
	}
	// A platform event supersedes any probe still in flight.
	m.seq++
	m.mu.Unlock()

	switch ev {
	case PlatformDisconnected:
		m.setState(StateOffline)
	case PlatformConnected:
		m.setState(StateOnline)
	case PlatformIndeterminate:
	}
}

// CheckNow forces a fresh reachability determination and returns the
// resulting online signal. A probe that loses the race against a newer
// check or platform event does not apply its result.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.mu.Lock()
	if m.bypass {
		m.mu.Unlock()
		return true
	}
	m.seq++
	mySeq := m.seq
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	err := m.prober.Probe(ctx)

	m.mu.Lock()
	if m.seq != mySeq {
		// Stale result; a newer check or platform event already decided.
		online := m.state != StateOffline
		m.mu.Unlock()
		return online
	}
	if err != nil {
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.logger.Debug("reachability probe failed",
			zap.Error(err), zap.Int("consecutive_failures", failures))
		return m.IsOnline()
	}
	m.failures = 0
	m.mu.Unlock()

	m.setState(StateOnline)
	return true
}

// Subscribe registers a callback invoked on every online/offline flip.
// The callback is immediately invoked with the current signal.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.bypass || m.state != StateOffline
	m.mu.Unlock()

	fn(current)
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s == StateOffline {
		m.failures = 0
	}
	online := s == StateOnline
	m.mu.Unlock()

	v := "0"
	if online {
		v = "1"
	}
	if err := m.db.SetState(store.StateLastKnownState, v); err != nil {
		m.logger.Warn("failed to persist connectivity state", zap.Error(err))
	}
	m.logger.Info("connectivity changed", zap.String("state", s.String()))
	m.notify(online)
}

func (m *Monitor) notify(online bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}

	kind := "net.offline"
	if online {
		kind = "net.online"
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: online})
}
