package notify

import (
	"context"

	"github.com/talkincode/wabridge/config"
	"go.uber.org/zap"
)

// Sink receives human-readable status-change messages. Delivery is one-way.
type Sink interface {
	Name() string
	Notify(ctx context.Context, subject, message string) error
}

// LogSink writes notifications to the global zap logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Notify(_ context.Context, subject, message string) error {
	zap.L().Info("notify: "+subject, zap.String("message", message))
	return nil
}

// FromConfig builds the sinks enabled in cfg.
func FromConfig(cfg config.NotifyConfig) []Sink {
	var sinks []Sink
	if cfg.LogEnable {
		sinks = append(sinks, LogSink{})
	}
	if cfg.Mail.Enabled {
		if sink, err := NewMailSink(cfg.Mail); err != nil {
			zap.L().Warn("notify: mail sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}
