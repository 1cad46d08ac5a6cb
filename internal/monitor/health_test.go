package monitor

import (
	"testing"
	"time"
)

func TestHealthReportsHealthyWhenWebsocketFresh(t *testing.T) {
	hc := NewHealthChecker("test", NewSystemMetrics())
	hc.Websocket = func() (bool, time.Time) { return true, time.Now() }
	hc.Strategies = func() (int, int) { return 2, 3 }

	report := hc.Health()
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.Status)
	}
	if report.Services.Strategies.Active != 2 || report.Services.Strategies.Total != 3 {
		t.Errorf("unexpected strategies block: %+v", report.Services.Strategies)
	}
}

func TestHealthReportsDegradedWhenHeartbeatStale(t *testing.T) {
	hc := NewHealthChecker("test", NewSystemMetrics())
	hc.Websocket = func() (bool, time.Time) { return true, time.Now().Add(-2 * time.Minute) }

	report := hc.Health()
	if report.Status != StatusDegraded {
		t.Errorf("expected degraded for a stale heartbeat, got %s", report.Status)
	}
}

func TestHealthReportsUnhealthyWhenDisconnected(t *testing.T) {
	hc := NewHealthChecker("test", NewSystemMetrics())
	hc.Websocket = func() (bool, time.Time) { return false, time.Time{} }

	report := hc.Health()
	if report.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy when disconnected, got %s", report.Status)
	}
}

func TestReadyRequiresAllChecks(t *testing.T) {
	hc := NewHealthChecker("test", NewSystemMetrics())
	hc.Websocket = func() (bool, time.Time) { return true, time.Now() }
	hc.StateManagerOK = func() bool { return true }
	hc.CredentialsManager = func() bool { return false }

	ready := hc.Ready()
	if ready.Ready {
		t.Error("expected not-ready when one check fails")
	}
	if !ready.Checks.Websocket || !ready.Checks.StateManager || ready.Checks.CredentialsManager {
		t.Errorf("unexpected checks: %+v", ready.Checks)
	}
}
