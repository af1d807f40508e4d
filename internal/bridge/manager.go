package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/pkg/callleg"
	"github.com/dialvox/dialvox/pkg/speech"
)

// ErrShutdown is returned by Create once the manager has begun shutting
// down.
var ErrShutdown = errors.New("bridge: manager is shut down")

// ErrNotFound is returned by Destroy for an unknown call ID.
var ErrNotFound = errors.New("bridge: no such call")

// ManagerConfig holds the dependencies and defaults for a [Manager].
type ManagerConfig struct {
	// Dialer opens speech channels. Required.
	Dialer speech.Dialer

	// Bridge carries the per-bridge defaults; Create fills in the session.
	Bridge Config

	// OnCreate, when set, runs synchronously for every new bridge before it
	// starts, so collaborators can subscribe without missing the welcome.
	OnCreate func(*Bridge)
}

// Manager owns the process-wide call-id to bridge map. It enforces one
// bridge per call and handles creation, teardown, and shutdown.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	bridges map[string]*Bridge
	closed  bool
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		bridges: make(map[string]*Bridge),
	}
}

// Create builds and starts a bridge for the given call leg. Idempotent per
// call ID: a second call with an ID that already has a live bridge returns
// that bridge without opening another speech connection.
func (m *Manager) Create(ctx context.Context, leg callleg.Leg, sess speech.SessionConfig) (*Bridge, error) {
	id := leg.CallID()
	if id == "" {
		return nil, fmt.Errorf("bridge: call leg has no call ID")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if b, ok := m.bridges[id]; ok {
		m.mu.Unlock()
		slog.Debug("bridge already exists, reusing", "call_id", id)
		return b, nil
	}

	cfg := m.cfg.Bridge
	cfg.Session = sess
	b := New(leg, m.cfg.Dialer, cfg)
	m.bridges[id] = b
	m.mu.Unlock()

	if m.cfg.OnCreate != nil {
		m.cfg.OnCreate(b)
	}
	b.Start(ctx)

	// Self-removal so a later call reusing the same carrier-assigned ID
	// starts clean.
	go func() {
		<-b.Done()
		m.remove(id, b)
	}()

	slog.Info("bridge created", "call_id", id, "carrier", leg.Carrier())
	return b, nil
}

// Get returns the live bridge for a call ID, if any.
func (m *Manager) Get(id string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	return b, ok
}

// Len returns the number of live bridges.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// Sessions returns a snapshot of every live call session.
func (m *Manager) Sessions() []CallSession {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()

	out := make([]CallSession, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.Session())
	}
	return out
}

// Destroy tears down the bridge for a call ID and waits for it to reach
// Closed, bounded by ctx. The map entry is removed either way.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	b, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}

	b.Shutdown()
	select {
	case <-b.Done():
	case <-ctx.Done():
		m.remove(id, b)
		return fmt.Errorf("bridge: destroy %s: %w", id, ctx.Err())
	}
	m.remove(id, b)
	return nil
}

// Shutdown tears down every live bridge in parallel, bounded by ctx. Each
// bridge runs its own Closing drain with grace-period fallback, so even an
// unresponsive speech channel cannot hold shutdown past its grace. Further
// Create calls fail with [ErrShutdown].
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()

	if len(bridges) == 0 {
		return nil
	}
	slog.Info("shutting down bridges", "count", len(bridges))

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bridges {
		g.Go(func() error {
			b.Shutdown()
			select {
			case <-b.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("bridge: shutdown %s: %w", b.Session().CallID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

// remove deletes the map entry only if it still points at b, so a
// replacement bridge created after self-removal is never clobbered.
func (m *Manager) remove(id string, b *Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bridges[id]; ok && cur == b {
		delete(m.bridges, id)
	}
}
