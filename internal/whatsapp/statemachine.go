package whatsapp

import (
	"context"
	"strings"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"go.uber.org/zap"
)

// DefaultQRTTL validity window of a pairing code.
const DefaultQRTTL = 5 * time.Minute

// StateMachine applies local intents and webhook events to the device registry.
// Each trigger is one registry update; there is no in-process device state and
// no ordering between concurrent triggers for the same device.
type StateMachine struct {
	devices DeviceRepository
	bus     EventBus.Bus
	qrTTL   time.Duration
	now     func() time.Time
}

func NewStateMachine(devices DeviceRepository, bus EventBus.Bus, qrTTL time.Duration) *StateMachine {
	if qrTTL <= 0 {
		qrTTL = DefaultQRTTL
	}
	return &StateMachine{
		devices: devices,
		bus:     bus,
		qrTTL:   qrTTL,
		now:     time.Now,
	}
}

// ConnectionUpdate carries the fields of a connection.update event.
type ConnectionUpdate struct {
	Status    string
	RawStatus *string
	User      *string
	PushName  *string
	QR        *string
	// ReceivedAt anchors the QR expiry; zero means now.
	ReceivedAt time.Time
}

func statusPtr(s domain.DeviceStatus) *domain.DeviceStatus { return &s }
func boolPtr(b bool) *bool                                   { return &b }

// ConnectIntent marks the device connecting as soon as a connect is issued.
func (m *StateMachine) ConnectIntent(ctx context.Context, device *domain.WhatsAppDevice) error {
	return m.apply(ctx, device, StatusUpdate{Status: statusPtr(domain.DeviceConnecting)}, "connect requested")
}

// LocalDisconnected records a disconnect command the remote service accepted.
// No retry evaluation follows.
func (m *StateMachine) LocalDisconnected(ctx context.Context, device *domain.WhatsAppDevice) error {
	return m.apply(ctx, device, StatusUpdate{
		Status:   statusPtr(domain.DeviceDisconnected),
		IsOnline: boolPtr(false),
	}, "disconnect requested")
}

// ConnectionUpdate sets the reported status verbatim. Unknown values are rejected.
func (m *StateMachine) ConnectionUpdate(ctx context.Context, device *domain.WhatsAppDevice, evt ConnectionUpdate) error {
	status, err := domain.ParseDeviceStatus(evt.Status)
	if err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}
	upd := StatusUpdate{
		Status:         &status,
		RawStatus:      evt.RawStatus,
		IsOnline:       boolPtr(status == domain.DeviceConnected),
		WhatsappUserID: nonEmpty(evt.User),
		WhatsappName:   nonEmpty(evt.PushName),
		MarkConnected:  status == domain.DeviceConnected,
	}
	if qr := nonEmpty(evt.QR); qr != nil {
		expires := m.at(evt.ReceivedAt).Add(m.qrTTL)
		upd.QRCode = qr
		upd.QRExpiresAt = &expires
	} else if status == domain.DeviceConnected {
		upd.ClearQR = true
	}
	reason := ""
	if evt.RawStatus != nil {
		reason = *evt.RawStatus
	}
	return m.apply(ctx, device, upd, reason)
}

// Ready marks the session connected and resets the retry budget.
func (m *StateMachine) Ready(ctx context.Context, device *domain.WhatsAppDevice, user, pushName *string) error {
	return m.apply(ctx, device, StatusUpdate{
		Status:         statusPtr(domain.DeviceConnected),
		IsOnline:       boolPtr(true),
		WhatsappUserID: nonEmpty(user),
		WhatsappName:   nonEmpty(pushName),
		ClearQR:        true,
		ResetRetry:     true,
		MarkConnected:  true,
	}, "ready")
}

// QRUpdated stores a pushed pairing code valid for the configured TTL from receivedAt.
func (m *StateMachine) QRUpdated(ctx context.Context, device *domain.WhatsAppDevice, qr string, receivedAt time.Time) error {
	return m.Pairing(ctx, device, qr, m.at(receivedAt).Add(m.qrTTL))
}

// Pairing moves the device to pairing with the given code and expiry.
func (m *StateMachine) Pairing(ctx context.Context, device *domain.WhatsAppDevice, qr string, expiresAt time.Time) error {
	if strings.TrimSpace(qr) == "" {
		return errors.Wrap(ErrValidation, "qr is required")
	}
	return m.apply(ctx, device, StatusUpdate{
		Status:      statusPtr(domain.DevicePairing),
		QRCode:      &qr,
		QRExpiresAt: &expiresAt,
	}, "qr issued")
}

// AuthFailure records a rejected session. raw_status is left as last reported.
func (m *StateMachine) AuthFailure(ctx context.Context, device *domain.WhatsAppDevice, reason string) error {
	return m.apply(ctx, device, StatusUpdate{
		Status:   statusPtr(domain.DeviceAuthFailure),
		IsOnline: boolPtr(false),
	}, reason)
}

// Disconnected records a remote disconnect and publishes it for retry evaluation.
func (m *StateMachine) Disconnected(ctx context.Context, device *domain.WhatsAppDevice, reason string) error {
	change := m.change(device, domain.DeviceDisconnected, reason)
	if err := m.apply(ctx, device, StatusUpdate{
		Status:   statusPtr(domain.DeviceDisconnected),
		IsOnline: boolPtr(false),
	}, reason); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(TopicDisconnected, change)
	}
	return nil
}

// Touch refreshes presence only.
func (m *StateMachine) Touch(ctx context.Context, device *domain.WhatsAppDevice) error {
	return m.apply(ctx, device, StatusUpdate{}, "")
}

// ClearQR nulls the pairing pair without a status change.
func (m *StateMachine) ClearQR(ctx context.Context, device *domain.WhatsAppDevice) error {
	return m.devices.ClearQR(ctx, device.ID)
}

func (m *StateMachine) apply(ctx context.Context, device *domain.WhatsAppDevice, upd StatusUpdate, reason string) error {
	upd.LastSeen = m.now()
	if err := m.devices.UpdateStatus(ctx, device.ID, upd); err != nil {
		return err
	}
	if upd.Status == nil {
		return nil
	}
	from := device.Status
	device.Status = *upd.Status
	device.LastSeen = &upd.LastSeen
	if from != *upd.Status {
		zap.L().Info("whatsapp: device status changed",
			zap.Int64("device_id", device.ID),
			zap.String("device_key", device.DeviceKey),
			zap.String("from", string(from)),
			zap.String("to", string(*upd.Status)),
			zap.String("reason", reason))
		if m.bus != nil {
			change := m.change(device, *upd.Status, reason)
			change.From = from
			m.bus.Publish(TopicStatusChanged, change)
		}
	}
	return nil
}

func (m *StateMachine) change(device *domain.WhatsAppDevice, to domain.DeviceStatus, reason string) StatusChange {
	return StatusChange{
		DeviceID:  device.ID,
		DeviceKey: device.DeviceKey,
		From:      device.Status,
		To:        to,
		Reason:    reason,
		At:        m.now(),
	}
}

func (m *StateMachine) at(t time.Time) time.Time {
	if t.IsZero() {
		return m.now()
	}
	return t
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
