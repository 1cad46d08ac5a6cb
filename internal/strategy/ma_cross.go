package strategy

import (
	"encoding/json"
	"fmt"

	"trading-core/internal/indicators"
)

// MACrossStrategy generates a long signal when the fast MA crosses above
// the slow MA (golden cross) and a short signal on the inverse (death
// cross). Adapted from the teacher's MACrossStrategy, generalized from a
// BUY/SELL/HOLD action string to the long/short/none Signal shape.
type MACrossStrategy struct {
	id         string
	fastPeriod int
	slowPeriod int

	stopLossPercent   float64
	takeProfitPercent float64
	cooldownMinutes   int

	prices []float64
	fastMA float64
	slowMA float64
	last   Signal
}

func NewMACrossStrategy(id string, fastPeriod, slowPeriod int, sl, tp float64, cooldownMinutes int) *MACrossStrategy {
	return &MACrossStrategy{
		id:                id,
		fastPeriod:        fastPeriod,
		slowPeriod:        slowPeriod,
		stopLossPercent:   sl,
		takeProfitPercent: tp,
		cooldownMinutes:   cooldownMinutes,
		prices:            make([]float64, 0, slowPeriod),
		last:              Signal{Type: SignalNone},
	}
}

func (s *MACrossStrategy) ID() string   { return s.id }
func (s *MACrossStrategy) Name() string { return fmt.Sprintf("ma_cross_%d_%d", s.fastPeriod, s.slowPeriod) }

func (s *MACrossStrategy) WarmupBars() int { return s.slowPeriod }

// maCrossState is the serializable state for MACrossStrategy.
type maCrossState struct {
	FastMA float64 `json:"fastMA"`
	SlowMA float64 `json:"slowMA"`
	Prices []float64 `json:"prices"`
}

func (s *MACrossStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(maCrossState{FastMA: s.fastMA, SlowMA: s.slowMA, Prices: s.prices})
}

func (s *MACrossStrategy) SetState(data json.RawMessage) error {
	var st maCrossState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.fastMA = st.FastMA
	s.slowMA = st.SlowMA
	s.prices = st.Prices
	return nil
}

func (s *MACrossStrategy) OnCandle(c Candle) { s.ingest(c.Close) }
func (s *MACrossStrategy) OnTick(price float64) { s.ingest(price) }

func (s *MACrossStrategy) ingest(price float64) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[len(s.prices)-s.slowPeriod:]
	}
}

func (s *MACrossStrategy) Evaluate() Signal {
	if len(s.prices) < s.slowPeriod {
		return Signal{Type: SignalNone, Reasons: []string{"warming up"}}
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices, s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices, s.slowPeriod)

	snapshot := map[string]float64{"fastMA": s.fastMA, "slowMA": s.slowMA}

	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		s.last = Signal{
			Type:               SignalLong,
			Strength:           crossStrength(s.fastMA, s.slowMA),
			Confidence:         70,
			Reasons:            []string{fmt.Sprintf("golden cross: MA%d %.2f > MA%d %.2f", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)},
			IndicatorsSnapshot: snapshot,
		}
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		s.last = Signal{
			Type:               SignalShort,
			Strength:           crossStrength(s.slowMA, s.fastMA),
			Confidence:         70,
			Reasons:            []string{fmt.Sprintf("death cross: MA%d %.2f < MA%d %.2f", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)},
			IndicatorsSnapshot: snapshot,
		}
	default:
		s.last = Signal{Type: SignalNone, IndicatorsSnapshot: snapshot}
	}
	return s.last
}

// crossStrength scales the MA separation into a 0..100 strength score;
// a 1% gap between the two averages maxes it out.
func crossStrength(lead, lag float64) float64 {
	if lag == 0 {
		return 50
	}
	pct := (lead - lag) / lag * 100
	strength := pct * 100
	if strength > 100 {
		strength = 100
	}
	if strength < 0 {
		strength = 0
	}
	return strength
}

func (s *MACrossStrategy) RiskParams() RiskParams {
	return RiskParams{
		StopLossPercent:   s.stopLossPercent,
		TakeProfitPercent: s.takeProfitPercent,
		CooldownMinutes:   s.cooldownMinutes,
	}
}
