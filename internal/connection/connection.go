// Package connection owns the per-user broker session lifecycle behind
// POST /connect and POST /disconnect (spec.md §6), and persists the
// manual-disconnect flag spec.md §6 names ("Persisted state layout:
// Manual-disconnect flags — key user:{u}:broker:{b}:env:{e}:manualDisconnect").
// Grounded on the teacher's internal/gateway/manager.go keyed-registry shape
// (here one *rpc.Session + *broker.Adapter per user, not LRU-evicted —
// an explicit Disconnect is the only eviction path) and on rpc.Session's own
// Connect/Disconnect methods, which this package calls directly rather than
// re-implementing connection setup.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-core/internal/broker"
	"trading-core/internal/errkind"
	"trading-core/internal/events"
	"trading-core/internal/ratelimit"
	"trading-core/internal/rpc"
	"trading-core/pkg/store"
)

// Environment is the broker environment tag (spec.md §3 "Credentials").
type Environment string

const (
	EnvLive    Environment = "live"
	EnvTestnet Environment = "testnet"
)

// Credentials is the opaque (apiKey, apiSecret) pair the core receives
// already decrypted (spec.md §1: "the core receives decrypted credentials").
type Credentials struct {
	APIKey    string
	APISecret string
}

// Provider resolves a user's broker credentials. Secret-at-rest storage is
// explicitly out of this system's scope (spec.md §1); production wiring
// points this at whatever external secret store holds it.
type Provider interface {
	Get(ctx context.Context, userID, brokerID string, env Environment) (Credentials, error)
}

// StaticProvider serves a single fixed credential pair for every user, for
// single-tenant/dev deployments where BROKER_API_KEY/SECRET are set once.
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Get(ctx context.Context, userID, brokerID string, env Environment) (Credentials, error) {
	return p.Creds, nil
}

func manualDisconnectKey(userID, brokerID string, env Environment) string {
	return fmt.Sprintf("user:%s:broker:%s:env:%s:manualDisconnect", userID, brokerID, env)
}

type entry struct {
	session *rpc.Session
	adapter *broker.Adapter
}

// Manager holds the single live broker session per user (spec.md §5:
// "Broker Adapter instance is single-writer per user/env").
type Manager struct {
	endpoint string
	provider Provider
	bus      *events.Bus
	store    *store.Store
	log      *zap.Logger
	limits   ratelimit.Limits

	mu      sync.Mutex
	entries map[string]entry
}

func New(endpoint string, provider Provider, limits ratelimit.Limits, s *store.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		endpoint: endpoint, provider: provider, bus: bus, store: s, log: log, limits: limits,
		entries: make(map[string]entry),
	}
}

// Connect opens (or returns the existing) broker session for userID, then
// clears any manual-disconnect flag (spec.md §6). Idempotent: calling it
// twice for an already-connected user returns the same adapter.
func (m *Manager) Connect(ctx context.Context, userID, brokerID string, env Environment) (*broker.Adapter, error) {
	m.mu.Lock()
	if e, ok := m.entries[userID]; ok {
		m.mu.Unlock()
		return e.adapter, nil
	}
	m.mu.Unlock()

	creds, err := m.provider.Get(ctx, userID, brokerID, env)
	if err != nil {
		return nil, errkind.Newf(errkind.AuthenticationError, "resolve credentials for user %s: %v", userID, err)
	}

	session := rpc.New(m.endpoint, rpc.Credentials{ClientID: creds.APIKey, ClientSecret: creds.APISecret}, m.log, m.bus)
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connection: connect session for user %s: %w", userID, err)
	}
	adapter := broker.New(session, ratelimit.New(m.limits))

	m.mu.Lock()
	m.entries[userID] = entry{session: session, adapter: adapter}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, manualDisconnectKey(userID, brokerID, env)); err != nil {
		m.log.Warn("connection: clear manual-disconnect flag failed", zap.String("userId", userID), zap.Error(err))
	}
	return adapter, nil
}

// Disconnect closes userID's broker session and persists the
// manual-disconnect flag (spec.md §6). Idempotent: disconnecting an
// already-disconnected user is a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID, brokerID string, env Environment) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	delete(m.entries, userID)
	m.mu.Unlock()
	if ok {
		e.session.Disconnect()
	}
	return m.store.PutJSON(ctx, manualDisconnectKey(userID, brokerID, env), true)
}

// Get returns userID's connected adapter, if any.
func (m *Manager) Get(userID string) (*broker.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	return e.adapter, ok
}

// ConnectedUsers lists every user id with a live broker session, for
// bootstrap components (the reconciler supervisor) that need to discover
// accounts dynamically rather than at startup.
func (m *Manager) ConnectedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether userID currently has a live broker session.
func (m *Manager) IsConnected(userID string) bool {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	return ok && e.session.IsConnected()
}

// LastHeartbeat returns userID's session's last received frame time.
func (m *Manager) LastHeartbeat(userID string) (lastHeartbeat time.Time, ok bool) {
	m.mu.Lock()
	e, found := m.entries[userID]
	m.mu.Unlock()
	if !found {
		return time.Time{}, false
	}
	return e.session.LastHeartbeat(), true
}
