package monitor

import "papertrade/pkg/logger"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the service log.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warnf("ALERT %s", message)
	return nil
}
