package strategy

import (
	"encoding/json"
	"fmt"
	"math"
)

// BollingerStrategy generates a long signal when price breaks below the
// lower band and a short signal when it breaks above the upper band.
// Adapted from the teacher's BollingerStrategy onto the long/short/none
// Signal shape.
type BollingerStrategy struct {
	id        string
	period    int
	numStdDev float64

	stopLossPercent   float64
	takeProfitPercent float64
	cooldownMinutes   int

	prices                            []float64
	middleBand, upperBand, lowerBand float64
}

func NewBollingerStrategy(id string, period int, numStdDev, sl, tp float64, cooldownMinutes int) *BollingerStrategy {
	return &BollingerStrategy{
		id:                id,
		period:            period,
		numStdDev:         numStdDev,
		stopLossPercent:   sl,
		takeProfitPercent: tp,
		cooldownMinutes:   cooldownMinutes,
		prices:            make([]float64, 0, period),
	}
}

func (s *BollingerStrategy) ID() string   { return s.id }
func (s *BollingerStrategy) Name() string { return fmt.Sprintf("bollinger_%d_%.1f", s.period, s.numStdDev) }

func (s *BollingerStrategy) WarmupBars() int { return s.period }

type bollingerState struct {
	MiddleBand float64   `json:"middleBand"`
	UpperBand  float64   `json:"upperBand"`
	LowerBand  float64   `json:"lowerBand"`
	Prices     []float64 `json:"prices"`
}

func (s *BollingerStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(bollingerState{
		MiddleBand: s.middleBand, UpperBand: s.upperBand, LowerBand: s.lowerBand, Prices: s.prices,
	})
}

func (s *BollingerStrategy) SetState(data json.RawMessage) error {
	var st bollingerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.middleBand, s.upperBand, s.lowerBand, s.prices = st.MiddleBand, st.UpperBand, st.LowerBand, st.Prices
	return nil
}

func (s *BollingerStrategy) OnCandle(c Candle)    { s.ingest(c.Close) }
func (s *BollingerStrategy) OnTick(price float64) { s.ingest(price) }

func (s *BollingerStrategy) ingest(price float64) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.period {
		s.prices = s.prices[len(s.prices)-s.period:]
	}
}

func (s *BollingerStrategy) Evaluate() Signal {
	if len(s.prices) < s.period {
		return Signal{Type: SignalNone, Reasons: []string{"warming up"}}
	}
	s.calculateBands()
	price := s.prices[len(s.prices)-1]
	snapshot := map[string]float64{"middleBand": s.middleBand, "upperBand": s.upperBand, "lowerBand": s.lowerBand}

	switch {
	case price <= s.lowerBand:
		return Signal{
			Type:               SignalLong,
			Strength:           bandBreachStrength(s.lowerBand, price, s.middleBand),
			Confidence:         60,
			Reasons:            []string{fmt.Sprintf("BB lower breakout: price %.2f <= lower %.2f", price, s.lowerBand)},
			IndicatorsSnapshot: snapshot,
		}
	case price >= s.upperBand:
		return Signal{
			Type:               SignalShort,
			Strength:           bandBreachStrength(price, s.upperBand, s.middleBand),
			Confidence:         60,
			Reasons:            []string{fmt.Sprintf("BB upper breakout: price %.2f >= upper %.2f", price, s.upperBand)},
			IndicatorsSnapshot: snapshot,
		}
	default:
		return Signal{Type: SignalNone, IndicatorsSnapshot: snapshot}
	}
}

func (s *BollingerStrategy) calculateBands() {
	sum := 0.0
	for _, p := range s.prices {
		sum += p
	}
	s.middleBand = sum / float64(len(s.prices))

	variance := 0.0
	for _, p := range s.prices {
		diff := p - s.middleBand
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(s.prices)))

	s.upperBand = s.middleBand + s.numStdDev*stdDev
	s.lowerBand = s.middleBand - s.numStdDev*stdDev
}

// bandBreachStrength scales how far price has pushed past a band relative
// to the band's distance from the mean into a 0..100 score.
func bandBreachStrength(breach, band, mid float64) float64 {
	spread := math.Abs(band - mid)
	if spread == 0 {
		return 50
	}
	strength := math.Abs(breach-band) / spread * 100
	if strength > 100 {
		strength = 100
	}
	return strength
}

func (s *BollingerStrategy) RiskParams() RiskParams {
	return RiskParams{
		StopLossPercent:   s.stopLossPercent,
		TakeProfitPercent: s.takeProfitPercent,
		CooldownMinutes:   s.cooldownMinutes,
	}
}
