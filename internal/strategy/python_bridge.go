package strategy

import (
	"context"
	"encoding/json"
	"log"
)

// ExternalStrategy implements Strategy by buffering candles/ticks locally
// and forwarding them to an external worker process (e.g. Python) on every
// Evaluate call, via WorkerClient's JSON-over-gRPC bridge. Adapted from the
// teacher's PythonStrategy, generalized onto the warmup/onCandle/onTick/
// evaluate/riskParams capability shape instead of a single OnTick call.
type ExternalStrategy struct {
	id         string
	name       string
	warmupBars int
	client     *WorkerClient

	pendingCandles []candlePayload
	pendingTicks   []float64
	lastRiskParams RiskParams
}

func NewExternalStrategy(id, name string, warmupBars int, client *WorkerClient) *ExternalStrategy {
	return &ExternalStrategy{id: id, name: name, warmupBars: warmupBars, client: client}
}

func (e *ExternalStrategy) ID() string      { return e.id }
func (e *ExternalStrategy) Name() string    { return e.name }
func (e *ExternalStrategy) WarmupBars() int { return e.warmupBars }

func (e *ExternalStrategy) OnCandle(c Candle) {
	e.pendingCandles = append(e.pendingCandles, candlePayload{
		Timestamp: c.Timestamp.Unix(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	})
}

func (e *ExternalStrategy) OnTick(price float64) {
	e.pendingTicks = append(e.pendingTicks, price)
}

func (e *ExternalStrategy) Evaluate() Signal {
	if e.client == nil {
		return Signal{Type: SignalNone, Reasons: []string{"no worker configured"}}
	}

	req := evaluateRequest{StrategyID: e.id, Candles: e.pendingCandles, Ticks: e.pendingTicks}
	resp, err := e.client.evaluate(context.Background(), req)
	e.pendingCandles = nil
	e.pendingTicks = nil
	if err != nil {
		log.Printf("external strategy worker call failed: %v", err)
		return Signal{Type: SignalNone, Reasons: []string{"worker unreachable"}}
	}
	e.lastRiskParams = resp.RiskParams
	return resp.Signal
}

func (e *ExternalStrategy) RiskParams() RiskParams { return e.lastRiskParams }

// GetState/SetState are no-ops: state for an external worker is owned and
// checkpointed by the worker process itself.
func (e *ExternalStrategy) GetState() (json.RawMessage, error)   { return nil, nil }
func (e *ExternalStrategy) SetState(data json.RawMessage) error { return nil }
