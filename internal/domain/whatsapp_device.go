package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeviceStatus is the closed set of states a device session can be in.
type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceConnecting   DeviceStatus = "connecting"
	DevicePairing      DeviceStatus = "pairing"
	DeviceConnected    DeviceStatus = "connected"
	DeviceBanned       DeviceStatus = "banned"
	DeviceError        DeviceStatus = "error"
	DeviceTimeout      DeviceStatus = "timeout"
	DeviceAuthFailure  DeviceStatus = "auth_failure"
	DeviceLogout       DeviceStatus = "logout"
)

// AllDeviceStatuses lists every valid DeviceStatus.
var AllDeviceStatuses = []DeviceStatus{
	DeviceDisconnected,
	DeviceConnecting,
	DevicePairing,
	DeviceConnected,
	DeviceBanned,
	DeviceError,
	DeviceTimeout,
	DeviceAuthFailure,
	DeviceLogout,
}

func (s DeviceStatus) IsValid() bool {
	for _, v := range AllDeviceStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s DeviceStatus) String() string {
	return string(s)
}

// ParseDeviceStatus normalizes a reported status value.
func ParseDeviceStatus(v string) (DeviceStatus, error) {
	s := DeviceStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown device status %q", v)
	}
	return s, nil
}

// WhatsAppDevice is one linked messaging session hosted by the remote session service.
// QRCode and QRExpiresAt are either both set or both nil.
type WhatsAppDevice struct {
	ID             int64        `json:"id,string" gorm:"primaryKey"`
	UserID         int64        `json:"user_id,string" gorm:"index"`
	DeviceKey      string       `json:"device_key" gorm:"size:128;uniqueIndex;not null"`
	Phone          string       `json:"phone" gorm:"size:32"`
	Name           string       `json:"name" gorm:"size:128"`
	Status         DeviceStatus `json:"status" gorm:"size:32;index;not null;default:disconnected"`
	RawStatus      string       `json:"raw_status" gorm:"size:128"`
	IsOnline       bool         `json:"is_online"`
	LastSeen       *time.Time   `json:"last_seen"`
	ConnectedAt    *time.Time   `json:"connected_at"`
	QRCode         *string      `json:"qr_code,omitempty" gorm:"type:text"`
	QRExpiresAt    *time.Time   `json:"qr_expires_at,omitempty"`
	WhatsappUserID *string      `json:"whatsapp_user_id" gorm:"size:128"`
	WhatsappName   *string      `json:"whatsapp_name" gorm:"size:255"`
	RetryCount     int          `json:"retry_count" gorm:"not null;default:0"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (WhatsAppDevice) TableName() string {
	return "whatsapp_device"
}

// HasValidQR reports whether a cached pairing code is still usable at now.
func (d *WhatsAppDevice) HasValidQR(now time.Time) bool {
	return d.QRCode != nil && *d.QRCode != "" && d.QRExpiresAt != nil && d.QRExpiresAt.After(now)
}
