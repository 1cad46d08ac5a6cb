// Package rpc implements the broker JSON-RPC 2.0 session (spec.md §4.2): a
// single authenticated WebSocket with request correlation, heartbeat,
// reconnect-with-backoff, and channel subscriptions. Grounded on the
// teacher's pkg/market/binance/websocket.go reconnect-loop structure,
// generalized from a single kline stream to a general JSON-RPC frame
// reader/writer.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-core/internal/errkind"
	"trading-core/internal/events"
)

const (
	heartbeatInterval = 15 * time.Second
	staleAfter        = 60 * time.Second
	defaultTimeout    = 30 * time.Second
	maxRetryAttempts  = 5
)

// Session is a single JSON-RPC 2.0 WebSocket connection to the broker.
type Session struct {
	endpoint string
	creds    Credentials
	dialer   *websocket.Dialer
	log      *zap.Logger
	bus      *events.Bus
	backoff  backoffConfig

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	tokens tokenSet

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	subsMu sync.Mutex
	subs   map[string]func(jsonRaw)

	lastHeartbeat atomic.Int64 // unix nano

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Session that will connect to endpoint on Connect.
func New(endpoint string, creds Credentials, log *zap.Logger, bus *events.Bus) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		endpoint: endpoint,
		creds:    creds,
		dialer:   websocket.DefaultDialer,
		log:      log,
		bus:      bus,
		backoff:  defaultBackoffConfig(),
		state:    StateStopped,
		pending:  make(map[int64]*pendingCall),
		subs:     make(map[string]func(jsonRaw)),
		stopCh:   make(chan struct{}),
	}
}

// CurrentState returns the session's lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the state is Active.
func (s *Session) IsConnected() bool {
	return s.CurrentState() == StateActive
}

// LastHeartbeat returns the time of the last frame received from the
// broker, zero if none has been received yet. Used by the health endpoint
// (spec.md §6 "services.websocket.lastHeartbeat").
func (s *Session) LastHeartbeat() time.Time {
	nanos := s.lastHeartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	s.log.Info("session state change", zap.String("from", string(prev)), zap.String("to", string(st)))
	if s.bus != nil {
		s.bus.Publish(events.EventSessionStateChange, map[string]string{"from": string(prev), "to": string(st)})
	}
}

// Connect dials the endpoint, authenticates, and starts the read and
// heartbeat loops. Safe to call once per Session; Disconnect is final, so
// connecting again takes a new Session.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		s.setState(StateError)
		return errkind.Newf(errkind.NetworkError, "dial %s: %v", s.endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastHeartbeat.Store(time.Now().UnixNano())

	if err := s.authenticate(ctx); err != nil {
		conn.Close()
		s.setState(StateError)
		return err
	}
	s.setState(StateActive)

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop(ctx)
	return nil
}

// Disconnect closes the connection and stops background loops. Idempotent.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
		}
		s.mu.Unlock()
		s.setState(StateStopped)
	})
	s.wg.Wait()
	s.creds = Credentials{}
}

// authenticate performs public/auth with client_credentials and stores the
// resulting token set.
func (s *Session) authenticate(ctx context.Context) error {
	raw, err := s.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     s.creds.ClientID,
		"client_secret": s.creds.ClientSecret,
	}, 1)
	if err != nil {
		return err
	}
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return errkind.Newf(errkind.AuthenticationError, "decode auth result: %v", err)
	}
	s.mu.Lock()
	s.tokens = tokenSet{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) refreshIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	needs := s.tokens.needsRefresh(time.Now())
	refreshToken := s.tokens.RefreshToken
	s.mu.Unlock()
	if !needs || refreshToken == "" {
		return nil
	}
	raw, err := s.call(ctx, "public/auth", map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}, 1)
	if err != nil {
		return err
	}
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return errkind.Newf(errkind.AuthenticationError, "decode refresh result: %v", err)
	}
	s.mu.Lock()
	s.tokens = tokenSet{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	s.mu.Unlock()
	return nil
}

// idempotentReadMethods are eligible for RPC-layer retry (spec.md §4.2).
var idempotentReadMethods = map[string]bool{
	"public/ticker":               true,
	"public/get_instrument":       true,
	"public/get_instruments":      true,
	"private/get_account_summary": true,
}

// CallRPC sends method/params and waits for the correlated response,
// retrying idempotent read methods on retryable errors per the spec's
// retry policy. Mutating calls never retry here.
func (s *Session) CallRPC(ctx context.Context, method string, params any) (jsonRaw, error) {
	if method != "public/auth" {
		if err := s.refreshIfNeeded(ctx); err != nil {
			s.log.Warn("token refresh failed", zap.Error(err))
		}
	}

	maxAttempts := 1
	if idempotentReadMethods[method] {
		maxAttempts = maxRetryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff.delay(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		raw, err := s.call(ctx, method, params, attempt+1)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		var ke *errkind.Error
		if e, ok := err.(*errkind.Error); ok {
			ke = e
		}
		if ke == nil || !isRetryable(ke.KindVal) {
			return nil, err
		}
	}
	return nil, lastErr
}

// call performs a single JSON-RPC round trip without retry.
func (s *Session) call(ctx context.Context, method string, params any, attempt int) (jsonRaw, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, errkind.New(errkind.NetworkError, "session not connected")
	}

	id := s.nextID.Add(1)
	pc := &pendingCall{method: method, attempts: attempt, resolve: make(chan callResult, 1)}
	s.pendingMu.Lock()
	s.pending[id] = pc
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	s.mu.Lock()
	err := s.conn.WriteJSON(req)
	s.mu.Unlock()
	if err != nil {
		return nil, errkind.Newf(errkind.WebsocketError, "write %s: %v", method, err)
	}

	timer := time.NewTimer(defaultTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.resolve:
		return res.result, res.err
	case <-timer.C:
		return nil, errkind.Newf(errkind.TimeoutError, "%s timed out after %s", method, defaultTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, errkind.New(errkind.NetworkError, "session stopped")
	}
}

// Subscribe registers handler for channel and issues private/subscribe.
// The registration survives reconnects: readLoop replays the full
// subscription set after every successful reconnect.
func (s *Session) Subscribe(ctx context.Context, channel string, handler func(jsonRaw)) error {
	s.subsMu.Lock()
	s.subs[channel] = handler
	s.subsMu.Unlock()

	_, err := s.CallRPC(ctx, "private/subscribe", map[string]any{"channels": []string{channel}})
	return err
}

func (s *Session) resubscribeAll(ctx context.Context) {
	s.subsMu.Lock()
	channels := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		channels = append(channels, ch)
	}
	s.subsMu.Unlock()
	if len(channels) == 0 {
		return
	}
	if _, err := s.call(ctx, "private/subscribe", map[string]any{"channels": channels}, 1); err != nil {
		s.log.Warn("resubscribe failed", zap.Error(err))
	}
}

func (s *Session) dispatchNotification(n notification) {
	s.subsMu.Lock()
	handler := s.subs[n.Channel]
	s.subsMu.Unlock()
	if handler != nil {
		handler(n.Data)
	}
}

// readLoop reads frames until the connection dies, then attempts
// reconnect-with-backoff up to 10 times before entering StateError.
func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.log.Warn("websocket read error, reconnecting", zap.Error(err))
			if !s.reconnect() {
				s.setState(StateError)
				return
			}
			continue
		}

		s.lastHeartbeat.Store(time.Now().UnixNano())
		s.handleFrame(msg)
	}
}

func (s *Session) handleFrame(msg []byte) {
	var r response
	if err := json.Unmarshal(msg, &r); err != nil {
		s.log.Warn("malformed rpc frame", zap.Error(err))
		return
	}

	if r.Method == "subscription" {
		var n notification
		if err := json.Unmarshal(r.Params, &n); err == nil {
			s.dispatchNotification(n)
		}
		return
	}

	if r.ID == nil {
		return
	}
	s.pendingMu.Lock()
	pc, ok := s.pending[*r.ID]
	s.pendingMu.Unlock()
	if !ok {
		return // late reply to a timed-out/discarded request
	}

	if r.Error != nil {
		pc.resolve <- callResult{err: classify(r.Error)}
		return
	}
	pc.resolve <- callResult{result: r.Result}
}

// reconnect retries dialing with exponential backoff, re-authenticates, and
// replays subscriptions on success. Returns false if all attempts failed.
func (s *Session) reconnect() bool {
	s.setState(StateConnecting)
	ctx := context.Background()
	for attempt := 0; attempt < s.backoff.MaxRetries; attempt++ {
		select {
		case <-s.stopCh:
			return false
		case <-time.After(s.backoff.delay(attempt)):
		}

		conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			s.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if err := s.authenticate(ctx); err != nil {
			s.log.Warn("re-auth after reconnect failed", zap.Error(err))
			conn.Close()
			continue
		}

		s.setState(StateActive)
		s.resubscribeAll(ctx)
		return true
	}
	return false
}

// heartbeatLoop sends public/test every 15s and declares the connection
// stale (forcing a reconnect) if no frame has been received for 60s.
func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastHeartbeat.Load())
			if time.Since(last) > staleAfter {
				s.log.Warn("connection stale, forcing reconnect", zap.Duration("since_last_frame", time.Since(last)))
				s.mu.Lock()
				if s.conn != nil {
					s.conn.Close()
				}
				s.mu.Unlock()
				continue
			}
			if _, err := s.call(ctx, "public/test", nil, 1); err != nil {
				s.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

