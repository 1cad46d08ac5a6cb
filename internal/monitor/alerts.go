package monitor

import "go.uber.org/zap"

// AlertSink is a pluggable alert delivery channel (log, webhook, email…).
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink writes alerts through the structured logger. The default
// sink until a real notification channel (spec.md leaves this open) is
// configured.
type LogAlertSink struct {
	Log *zap.Logger
}

func (s LogAlertSink) Send(message string) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("risk alert", zap.String("message", message))
	return nil
}
