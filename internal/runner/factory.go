package runner

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-core/internal/bracket"
	"trading-core/internal/connection"
	"trading-core/internal/errkind"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/orchestrator"
	"trading-core/internal/risk"
	"trading-core/internal/strategy"
)

// defaultRiskPercent is used when a startRunner request's config omits an
// explicit risk value.
const defaultRiskPercent = "1"

// externalStrategyType is the reserved strategyName that routes a
// startRunner request to the external worker bridge instead of New's
// built-in types.
const externalStrategyType = "external"

// ExternalStrategyOptions configures the optional external (e.g. Python)
// strategy worker bridge. Disabled by default: a startRunner request naming
// the "external" type is rejected unless Enabled and Addr are both set.
type ExternalStrategyOptions struct {
	Enabled bool
	Addr    string
}

func paramString(p map[string]any, key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func paramInt(p map[string]any, key string, def int) int {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

// NewFactory builds the orchestrator.RunnerFactory used to turn an admitted
// Job into a live Runner (spec.md §4.10 "the orchestrator ... spawns the
// corresponding Runner"). It closes over the per-user connection registry
// and the singletons every Runner shares, matching how the teacher's
// internal/strategy/engine.go wires one engine instance to many per-symbol
// workers off a shared connection pool.
func NewFactory(connections *connection.Manager, lifecycleMgr *lifecycle.Manager, journalInst *journal.Journal, bus *events.Bus, log *zap.Logger, external ExternalStrategyOptions) orchestrator.RunnerFactory {
	var (
		workerOnce   sync.Once
		workerClient *strategy.WorkerClient
		workerErr    error
	)

	return func(job orchestrator.Job) (orchestrator.Runner, error) {
		adapter, ok := connections.Get(job.UserID)
		if !ok {
			return nil, errkind.Newf(errkind.InvalidParams, "user %s has no connected broker session", job.UserID)
		}

		snapshot := job.ConfigSnapshot
		instrument, _ := snapshot["instrument"].(string)
		if instrument == "" {
			return nil, errkind.Newf(errkind.InvalidParams, "startRunner request missing instrument")
		}
		params, _ := snapshot["config"].(map[string]any)

		var strat strategy.Strategy
		if job.StrategyID == externalStrategyType {
			if !external.Enabled || external.Addr == "" {
				return nil, errkind.Newf(errkind.InvalidParams, "external strategy bridge is disabled or has no address")
			}
			workerOnce.Do(func() {
				workerClient, workerErr = strategy.NewWorkerClient(external.Addr)
			})
			if workerErr != nil {
				return nil, fmt.Errorf("runner factory: dial external strategy worker: %w", workerErr)
			}
			strat = strategy.NewExternalStrategy(job.JobID, paramString(params, "name", job.StrategyID), paramInt(params, "warmupBars", 30), workerClient)
		} else {
			cfg := strategy.Config{
				ID:         job.JobID,
				Name:       job.StrategyID,
				Type:       job.StrategyID,
				Instrument: instrument,
				Parameters: params,
			}
			var err error
			strat, err = strategy.New(cfg)
			if err != nil {
				return nil, fmt.Errorf("runner factory: build strategy: %w", err)
			}
		}

		riskValue, err := decimal.NewFromString(paramString(params, "riskValue", defaultRiskPercent))
		if err != nil {
			return nil, fmt.Errorf("runner factory: parse riskValue: %w", err)
		}
		riskMode := risk.RiskMode(paramString(params, "riskMode", string(risk.RiskPercent)))

		placer := bracket.New(adapter, log, bus)
		opts := Options{
			AccountID:  job.UserID,
			Instrument: instrument,
			Currency:   paramString(params, "currency", "USDC"),
			RiskMode:   riskMode,
			RiskValue:  riskValue,
		}
		return New(opts, strat, adapter, lifecycleMgr, journalInst, placer, bus, log), nil
	}
}
