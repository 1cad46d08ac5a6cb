package strategy

import (
	"os"

	"gopkg.in/yaml.v3"

	"trading-core/internal/errkind"
)

// Config is one strategy instance's declarative configuration, as carried
// in an orchestrator startRunner request or a YAML fleet-definition file.
// Adapted from the teacher's YAML-backed Config/ConfigFile shape; the
// teacher's SyncConfigToDB (a Binance-era strategy_instances table) is
// dropped since job state now lives in pkg/store via internal/lifecycle
// and internal/journal, not a bespoke strategies table.
type Config struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	Instrument string                 `yaml:"instrument"`
	Parameters map[string]interface{} `yaml:"parameters"`
}

// ConfigFile is the top-level YAML structure for a fleet definition.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategy instance definitions from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Strategies, nil
}

func paramFloat(p map[string]interface{}, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func paramInt(p map[string]interface{}, key string, def int) int {
	return int(paramFloat(p, key, float64(def)))
}

// New builds a Strategy instance from a declarative Config, per the
// strategy type named in cfg.Type. Returns UnknownErr for unrecognized
// types so callers can reject a startRunner request cleanly.
func New(cfg Config) (Strategy, error) {
	p := cfg.Parameters
	switch cfg.Type {
	case "ma_cross":
		return NewMACrossStrategy(
			cfg.ID,
			paramInt(p, "fastPeriod", 10),
			paramInt(p, "slowPeriod", 30),
			paramFloat(p, "stopLossPercent", 1.0),
			paramFloat(p, "takeProfitPercent", 2.0),
			paramInt(p, "cooldownMinutes", 15),
		), nil
	case "rsi":
		return NewRSIStrategy(
			cfg.ID,
			paramInt(p, "period", 14),
			paramFloat(p, "oversold", 30),
			paramFloat(p, "overbought", 70),
			paramFloat(p, "stopLossPercent", 1.0),
			paramFloat(p, "takeProfitPercent", 2.0),
			paramInt(p, "cooldownMinutes", 15),
		), nil
	case "bollinger":
		return NewBollingerStrategy(
			cfg.ID,
			paramInt(p, "period", 20),
			paramFloat(p, "numStdDev", 2.0),
			paramFloat(p, "stopLossPercent", 1.0),
			paramFloat(p, "takeProfitPercent", 2.0),
			paramInt(p, "cooldownMinutes", 15),
		), nil
	default:
		return nil, errkind.Newf(errkind.UnknownErr, "unknown strategy type %q", cfg.Type)
	}
}
