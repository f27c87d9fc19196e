package whatsapp

import (
	"context"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"go.uber.org/zap"
)

// EventType is a webhook event name pushed by the session service.
type EventType string

const (
	EventConnectionUpdate EventType = "connection.update"
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventMessageStatus    EventType = "message.status"
	EventQRUpdate         EventType = "qr.update"
	EventAuthFailure      EventType = "auth.failure"
	EventDisconnected     EventType = "disconnected"
	EventReady            EventType = "ready"
)

// AllEventTypes is the closed set of handled webhook events.
var AllEventTypes = []EventType{
	EventConnectionUpdate,
	EventMessageReceived,
	EventMessageSent,
	EventMessageStatus,
	EventQRUpdate,
	EventAuthFailure,
	EventDisconnected,
	EventReady,
}

func (t EventType) Known() bool {
	for _, v := range AllEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// WebhookResult is the outcome of one webhook delivery.
type WebhookResult struct {
	Success bool      `json:"success"`
	Ignored bool      `json:"ignored,omitempty"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`

	err error
}

// Err returns the classified error behind a failed result.
func (r WebhookResult) Err() error {
	return r.err
}

func webhookFailure(err error) WebhookResult {
	return WebhookResult{Success: false, Error: err.Error(), Kind: KindOf(err), err: err}
}

// webhookEnvelope is the inbound body: {"eventType": "...", "payload": {...}}.
type webhookEnvelope struct {
	EventType string                 `json:"eventType"`
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	Data      map[string]interface{} `json:"data"`
}

type connectionUpdatePayload struct {
	Status    string      `mapstructure:"status"`
	RawStatus *string     `mapstructure:"rawStatus"`
	User      interface{} `mapstructure:"user"`
	PushName  *string     `mapstructure:"pushName"`
	QR        *string     `mapstructure:"qr"`
}

type readyPayload struct {
	User     interface{} `mapstructure:"user"`
	PushName *string     `mapstructure:"pushName"`
}

type qrUpdatePayload struct {
	QR string `mapstructure:"qr"`
}

type reasonPayload struct {
	Reason string `mapstructure:"reason"`
}

// Ingestor validates webhook deliveries, routes them to the state machine and
// audits every delivery.
type Ingestor struct {
	devices DeviceRepository
	audit   AuditRepository
	machine *StateMachine
	now     func() time.Time
}

func NewIngestor(devices DeviceRepository, audit AuditRepository, machine *StateMachine) *Ingestor {
	return &Ingestor{
		devices: devices,
		audit:   audit,
		machine: machine,
		now:     time.Now,
	}
}

// ProcessRaw decodes a JSON envelope and processes it.
func (i *Ingestor) ProcessRaw(ctx context.Context, body []byte) WebhookResult {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		res := webhookFailure(errors.Wrapf(ErrValidation, "invalid webhook body: %v", err))
		i.record(ctx, &domain.WhatsAppWebhookEvent{RawPayload: string(body), ReceivedAt: i.now()}, res)
		return res
	}
	eventType := common.IfEmptyStr(env.EventType, env.Event)
	payload := env.Payload
	if payload == nil {
		payload = env.Data
	}
	return i.Process(ctx, eventType, payload)
}

// Process handles one webhook event. It never panics and always writes one audit row.
func (i *Ingestor) Process(ctx context.Context, eventType string, payload map[string]interface{}) (res WebhookResult) {
	evt := &domain.WhatsAppWebhookEvent{
		EventType:  eventType,
		ReceivedAt: i.now(),
	}
	if raw, err := json.Marshal(payload); err == nil {
		evt.RawPayload = string(raw)
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("whatsapp: webhook panic", zap.String("event_type", eventType), zap.Any("panic", r))
			res = webhookFailure(errors.Errorf("internal error: %v", r))
		}
		i.record(ctx, evt, res)
	}()

	deviceKey := deviceKeyOf(payload)
	evt.DeviceKey = deviceKey
	if deviceKey == "" {
		return webhookFailure(errors.Wrap(ErrValidation, "payload.deviceId is required"))
	}

	if strings.TrimSpace(eventType) == "" {
		return webhookFailure(errors.Wrap(ErrValidation, "event type is required"))
	}

	device, err := i.devices.GetByKey(ctx, deviceKey)
	if err != nil {
		return webhookFailure(err)
	}
	evt.DeviceID = &device.ID

	if err := i.route(ctx, EventType(eventType), device, payload, evt.ReceivedAt); err != nil {
		if errors.Is(err, errIgnored) {
			return WebhookResult{Success: true, Ignored: true}
		}
		zap.L().Warn("whatsapp: webhook handling failed",
			zap.String("event_type", eventType),
			zap.String("device_key", deviceKey),
			zap.Error(err))
		return webhookFailure(err)
	}
	return WebhookResult{Success: true}
}

var errIgnored = errors.New("event ignored")

func (i *Ingestor) route(ctx context.Context, eventType EventType, device *domain.WhatsAppDevice, payload map[string]interface{}, receivedAt time.Time) error {
	switch eventType {
	case EventConnectionUpdate:
		var p connectionUpdatePayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Status) == "" {
			return errors.Wrap(ErrValidation, "payload.status is required")
		}
		user, name := identityOf(p.User)
		if p.PushName != nil {
			name = p.PushName
		}
		return i.machine.ConnectionUpdate(ctx, device, ConnectionUpdate{
			Status:     p.Status,
			RawStatus:  p.RawStatus,
			User:       user,
			PushName:   name,
			QR:         p.QR,
			ReceivedAt: receivedAt,
		})

	case EventReady:
		var p readyPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		user, name := identityOf(p.User)
		if p.PushName != nil {
			name = p.PushName
		}
		return i.machine.Ready(ctx, device, user, name)

	case EventQRUpdate:
		var p qrUpdatePayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		return i.machine.QRUpdated(ctx, device, p.QR, receivedAt)

	case EventAuthFailure:
		var p reasonPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		return i.machine.AuthFailure(ctx, device, p.Reason)

	case EventDisconnected:
		var p reasonPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		return i.machine.Disconnected(ctx, device, p.Reason)

	case EventMessageReceived, EventMessageSent, EventMessageStatus:
		return i.machine.Touch(ctx, device)

	default:
		zap.L().Warn("whatsapp: unknown webhook event ignored",
			zap.String("event_type", string(eventType)),
			zap.String("device_key", device.DeviceKey))
		return errIgnored
	}
}

func (i *Ingestor) record(ctx context.Context, evt *domain.WhatsAppWebhookEvent, res WebhookResult) {
	evt.Direction = "inbound"
	evt.HandledSuccessfully = res.Success
	evt.ErrorMessage = res.Error
	if err := i.audit.RecordWebhook(context.WithoutCancel(ctx), evt); err != nil {
		zap.L().Warn("whatsapp: record webhook failed",
			zap.String("event_type", evt.EventType),
			zap.String("device_key", evt.DeviceKey),
			zap.Error(err))
	}
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return errors.Wrapf(ErrValidation, "decode payload: %v", err)
	}
	return nil
}

// deviceKeyOf accepts deviceId as the canonical field and a few aliases.
func deviceKeyOf(payload map[string]interface{}) string {
	for _, key := range []string{"deviceId", "device_id", "deviceKey"} {
		if v, ok := payload[key]; ok && v != nil {
			if s := strings.TrimSpace(cast.ToString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// identityOf reads user as either a plain id or an object {id, name}.
func identityOf(v interface{}) (user *string, name *string) {
	switch u := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if id := cast.ToString(u["id"]); id != "" {
			user = &id
		}
		if n := cast.ToString(u["name"]); n != "" {
			name = &n
		}
		return user, name
	default:
		if id := cast.ToString(u); id != "" {
			return &id, nil
		}
		return nil, nil
	}
}
