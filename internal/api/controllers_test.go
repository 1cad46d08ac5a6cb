package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/connection"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/monitor"
	"trading-core/internal/orchestrator"
	"trading-core/internal/ratelimit"
	"trading-core/pkg/store"
)

const testJWTSecret = "test-secret"

// stubRunner is a fake orchestrator.Runner that blocks until its context is
// cancelled, mirroring how a real *runner.Runner behaves while its job is
// "running".
type stubRunner struct{}

func (stubRunner) Run(ctx context.Context) error        { <-ctx.Done(); return ctx.Err() }
func (stubRunner) Stop(ctx context.Context, flatten bool) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := events.NewBus()
	limits := ratelimit.Limits{ReadRPS: 50, ReadBurst: 50, WriteRPS: 50, WriteBurst: 50, SubscribeRPS: 50, SubscribeBurst: 50}
	provider := connection.StaticProvider{Creds: connection.Credentials{APIKey: "k", APISecret: "s"}}
	connections := connection.New("wss://example.invalid/ws", provider, limits, s, bus, nil)

	orch := orchestrator.New(orchestrator.NewMemoryQueue(), s, func(orchestrator.Job) (orchestrator.Runner, error) {
		return stubRunner{}, nil
	}, bus, nil, orchestrator.Options{})

	lifecycleMgr := lifecycle.New(s, bus, nil)
	journalInst := journal.New(s)
	metrics := monitor.NewSystemMetrics()
	health := monitor.NewHealthChecker("test", metrics)

	return NewServer(bus, connections, orch, lifecycleMgr, journalInst, health, metrics, testJWTSecret, "deribit", "test")
}

func authedRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := generateToken("u1", testJWTSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthReturns200WhenNoProbesWired(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/strategy/status", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStrategyStartThenStatusThenStop(t *testing.T) {
	srv := newTestServer(t)

	rec := authedRequest(t, srv, http.MethodPost, "/strategy/start", map[string]any{
		"strategyName": "ma_cross",
		"instrument":   "BTC-PERPETUAL",
		"config":       map[string]any{},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.JobID == "" {
		t.Fatal("expected a non-empty jobId")
	}

	rec = authedRequest(t, srv, http.MethodGet, "/strategy/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var status orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if len(status.Workers) != 1 {
		t.Fatalf("expected 1 running worker, got %d", len(status.Workers))
	}

	rec = authedRequest(t, srv, http.MethodPost, "/strategy/stop", map[string]any{"jobId": started.JobID})
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStrategyStopUnknownJobReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := authedRequest(t, srv, http.MethodPost, "/strategy/stop", map[string]any{"jobId": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestKillswitchStopsRunningJobAndResetsLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := authedRequest(t, srv, http.MethodPost, "/strategy/start", map[string]any{
		"strategyName": "rsi",
		"instrument":   "ETH-PERPETUAL",
		"config":       map[string]any{},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", rec.Code)
	}

	rec = authedRequest(t, srv, http.MethodPost, "/killswitch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("killswitch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = authedRequest(t, srv, http.MethodGet, "/strategy/status", nil)
	var status orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Workers) != 0 {
		t.Errorf("expected no running workers after killswitch, got %d", len(status.Workers))
	}
}

func TestTradesHistoryReturnsEmptyListInitially(t *testing.T) {
	srv := newTestServer(t)
	rec := authedRequest(t, srv, http.MethodGet, "/trades/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Trades []journal.Entry `json:"trades"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(body.Trades))
	}
}

func TestDeleteTradeIsIdempotentForMissingID(t *testing.T) {
	srv := newTestServer(t)
	rec := authedRequest(t, srv, http.MethodDelete, "/trades/does-not-exist", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
