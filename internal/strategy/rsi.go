package strategy

import (
	"encoding/json"
	"fmt"

	"trading-core/internal/indicators"
)

// RSIStrategy generates a long signal when RSI drops below the oversold
// threshold and a short signal above the overbought threshold. Adapted
// from the teacher's RSIStrategy onto the long/short/none Signal shape.
type RSIStrategy struct {
	id                  string
	period              int
	oversoldThreshold   float64
	overboughtThreshold float64

	stopLossPercent   float64
	takeProfitPercent float64
	cooldownMinutes   int

	prices []float64
	rsi    float64
}

func NewRSIStrategy(id string, period int, oversold, overbought, sl, tp float64, cooldownMinutes int) *RSIStrategy {
	return &RSIStrategy{
		id:                  id,
		period:              period,
		oversoldThreshold:   oversold,
		overboughtThreshold: overbought,
		stopLossPercent:     sl,
		takeProfitPercent:   tp,
		cooldownMinutes:     cooldownMinutes,
		prices:              make([]float64, 0, period+1),
	}
}

func (s *RSIStrategy) ID() string   { return s.id }
func (s *RSIStrategy) Name() string { return fmt.Sprintf("rsi_%d", s.period) }

func (s *RSIStrategy) WarmupBars() int { return s.period + 1 }

type rsiState struct {
	RSI    float64   `json:"rsi"`
	Prices []float64 `json:"prices"`
}

func (s *RSIStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(rsiState{RSI: s.rsi, Prices: s.prices})
}

func (s *RSIStrategy) SetState(data json.RawMessage) error {
	var st rsiState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.rsi = st.RSI
	s.prices = st.Prices
	return nil
}

func (s *RSIStrategy) OnCandle(c Candle)   { s.ingest(c.Close) }
func (s *RSIStrategy) OnTick(price float64) { s.ingest(price) }

func (s *RSIStrategy) ingest(price float64) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[len(s.prices)-(s.period+1):]
	}
}

func (s *RSIStrategy) Evaluate() Signal {
	if len(s.prices) < s.period+1 {
		return Signal{Type: SignalNone, Reasons: []string{"warming up"}}
	}
	s.rsi = indicators.RSI(s.prices, s.period)
	snapshot := map[string]float64{"rsi": s.rsi}

	switch {
	case s.rsi < s.oversoldThreshold:
		return Signal{
			Type:               SignalLong,
			Strength:           oversoldStrength(s.rsi, s.oversoldThreshold),
			Confidence:         65,
			Reasons:            []string{fmt.Sprintf("RSI oversold: %.2f < %.2f", s.rsi, s.oversoldThreshold)},
			IndicatorsSnapshot: snapshot,
		}
	case s.rsi > s.overboughtThreshold:
		return Signal{
			Type:               SignalShort,
			Strength:           oversoldStrength(100-s.rsi, 100-s.overboughtThreshold),
			Confidence:         65,
			Reasons:            []string{fmt.Sprintf("RSI overbought: %.2f > %.2f", s.rsi, s.overboughtThreshold)},
			IndicatorsSnapshot: snapshot,
		}
	default:
		return Signal{Type: SignalNone, IndicatorsSnapshot: snapshot}
	}
}

// oversoldStrength scales distance past a threshold into a 0..100 score.
func oversoldStrength(value, threshold float64) float64 {
	if threshold == 0 {
		return 50
	}
	strength := (threshold - value) / threshold * 100
	if strength > 100 {
		strength = 100
	}
	if strength < 0 {
		strength = 0
	}
	return strength
}

func (s *RSIStrategy) RiskParams() RiskParams {
	return RiskParams{
		StopLossPercent:   s.stopLossPercent,
		TakeProfitPercent: s.takeProfitPercent,
		CooldownMinutes:   s.cooldownMinutes,
	}
}
