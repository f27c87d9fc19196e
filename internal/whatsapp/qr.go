package whatsapp

import (
	"context"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// CommandDispatcher sends one command to the session service.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, deviceKey, command string, payload map[string]interface{}) CommandResult
}

// QRResult has the same shape on cache hit and on refresh.
type QRResult struct {
	Success   bool       `json:"success"`
	QR        string     `json:"qr,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Cached    bool       `json:"cached"`
	Error     string     `json:"error,omitempty"`
	Kind      ErrorKind  `json:"kind,omitempty"`
}

// QRManager caches pairing codes on the device row and refreshes them through getQR.
type QRManager struct {
	devices    DeviceRepository
	dispatcher CommandDispatcher
	machine    *StateMachine
	ttl        time.Duration
	now        func() time.Time
}

func NewQRManager(devices DeviceRepository, dispatcher CommandDispatcher, machine *StateMachine, ttl time.Duration) *QRManager {
	if ttl <= 0 {
		ttl = DefaultQRTTL
	}
	return &QRManager{
		devices:    devices,
		dispatcher: dispatcher,
		machine:    machine,
		ttl:        ttl,
		now:        time.Now,
	}
}

// GetOrRefresh returns the stored code while qr_expires_at is in the future,
// otherwise asks the session service for a new one.
func (m *QRManager) GetOrRefresh(ctx context.Context, deviceID int64) QRResult {
	device, err := m.devices.GetByID(ctx, deviceID)
	if err != nil {
		return QRResult{Error: err.Error(), Kind: KindOf(err)}
	}

	if device.HasValidQR(m.now()) {
		expires := *device.QRExpiresAt
		return QRResult{Success: true, QR: *device.QRCode, ExpiresAt: &expires, Cached: true}
	}

	res := m.dispatcher.Dispatch(ctx, device.DeviceKey, CmdGetQR, nil)
	if !res.Success {
		return QRResult{Error: res.Error, Kind: res.Kind}
	}
	code := extractQR(res.Data)
	if code == "" {
		return QRResult{Error: "session service returned no QR code", Kind: KindProtocol}
	}

	expires := m.now().Add(m.ttl)
	if err := m.machine.Pairing(ctx, device, code, expires); err != nil {
		zap.L().Warn("whatsapp: store qr failed", zap.Int64("device_id", device.ID), zap.Error(err))
		return QRResult{Error: err.Error(), Kind: KindOf(err)}
	}
	return QRResult{Success: true, QR: code, ExpiresAt: &expires, Cached: false}
}

// Clear nulls the stored pairing code and its expiry.
func (m *QRManager) Clear(ctx context.Context, deviceID int64) error {
	return m.devices.ClearQR(ctx, deviceID)
}

// extractQR looks for the code at the top level or under "data".
func extractQR(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	for _, key := range []string{"qr", "qrCode", "qr_code"} {
		if s := cast.ToString(data[key]); s != "" {
			return s
		}
	}
	if nested, ok := data["data"].(map[string]interface{}); ok {
		return extractQR(nested)
	}
	return ""
}
