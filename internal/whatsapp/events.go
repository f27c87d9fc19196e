package whatsapp

import (
	"context"
	"fmt"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/notify"
	"go.uber.org/zap"
)

// Bus topics published by the state machine.
const (
	TopicStatusChanged = "whatsapp:status_changed"
	TopicDisconnected  = "whatsapp:disconnected"
)

// StatusChange describes one applied status transition.
type StatusChange struct {
	DeviceID  int64               `json:"device_id,string"`
	DeviceKey string              `json:"device_key"`
	From      domain.DeviceStatus `json:"from"`
	To        domain.DeviceStatus `json:"to"`
	Reason    string              `json:"reason,omitempty"`
	At        time.Time           `json:"at"`
}

// Subject is a one-line summary for notification sinks.
func (c StatusChange) Subject() string {
	return fmt.Sprintf("WhatsApp device %s is %s", c.DeviceKey, c.To)
}

// Message is the human-readable body for notification sinks.
func (c StatusChange) Message() string {
	msg := fmt.Sprintf("Device %s changed from %s to %s at %s.",
		c.DeviceKey, c.From, c.To, c.At.Format(time.RFC3339))
	if c.Reason != "" {
		msg += " Reason: " + c.Reason + "."
	}
	return msg
}

// AttachNotifier forwards status changes to sinks off the caller's goroutine.
func AttachNotifier(bus EventBus.Bus, sinks ...notify.Sink) error {
	if len(sinks) == 0 {
		return nil
	}
	return bus.SubscribeAsync(TopicStatusChanged, func(change StatusChange) {
		for _, sink := range sinks {
			if err := sink.Notify(context.Background(), change.Subject(), change.Message()); err != nil {
				zap.L().Warn("whatsapp: notification sink failed",
					zap.String("sink", sink.Name()),
					zap.String("device_key", change.DeviceKey),
					zap.Error(err))
			}
		}
	}, false)
}
