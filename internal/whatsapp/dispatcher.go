package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Remote command names understood by the session service.
const (
	CmdConnect     = "connect"
	CmdDisconnect  = "disconnect"
	CmdGetQR       = "getQR"
	CmdSendMessage = "sendMessage"
)

const (
	maxResponseBytes = 4 << 20
	maxErrorText     = 1024
)

// CommandResult is the outcome of one dispatch. Dispatch never returns a Go error;
// failures are described by Success, Error and Kind.
type CommandResult struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	HTTPStatus int                    `json:"http_status"`
	Elapsed    time.Duration          `json:"-"`
	ElapsedMs  int64                  `json:"elapsed_ms"`
	Error      string                 `json:"error,omitempty"`
	Kind       ErrorKind              `json:"kind,omitempty"`
	CommandID  int64                  `json:"command_id,string,omitempty"`

	raw string
}

// Err converts a failed result back into a classified error.
func (r CommandResult) Err() error {
	if r.Success {
		return nil
	}
	var base error
	switch r.Kind {
	case KindTransport:
		base = ErrTransport
	case KindProtocol:
		base = ErrProtocol
	case KindDeviceNotFound:
		base = ErrDeviceNotFound
	case KindValidation:
		base = ErrValidation
	default:
		base = ErrRemote
	}
	return errors.Wrap(base, r.Error)
}

func failedResult(kind ErrorKind, format string, args ...interface{}) CommandResult {
	return CommandResult{Success: false, Kind: kind, Error: fmt.Sprintf(format, args...)}
}

// Dispatcher sends named commands to the remote session service and audits every attempt.
type Dispatcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	devices DeviceRepository
	audit   AuditRepository
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. timeout bounds every remote call.
func NewDispatcher(baseURL, apiKey string, timeout time.Duration, devices DeviceRepository, audit AuditRepository) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		devices: devices,
		audit:   audit,
		now:     time.Now,
	}
}

// Dispatch resolves deviceKey, records the attempt as processing, calls
// POST {baseURL}/api/device/{deviceKey}/{command} and finalizes the record once.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceKey, command string, payload map[string]interface{}) (res CommandResult) {
	var record *domain.WhatsAppCommand
	start := time.Now()

	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: dispatch panic",
				zap.String("device_key", deviceKey),
				zap.String("command", command),
				zap.Any("panic", err))
			res = failedResult(KindInternal, "internal error: %v", err)
		}
		res.Elapsed = time.Since(start)
		res.ElapsedMs = res.Elapsed.Milliseconds()
		if record != nil {
			res.CommandID = record.ID
			d.finalize(ctx, record, res)
		}
		metrics.Observe("whatsapp_command_latency", res.Elapsed, metrics.Label("command", command))
	}()

	device, err := d.devices.GetByKey(ctx, deviceKey)
	if err != nil {
		return failedResult(KindOf(err), "%v", err)
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failedResult(KindValidation, "encode payload: %v", err)
	}

	cmd := &domain.WhatsAppCommand{
		DeviceID:    device.ID,
		CommandName: command,
		Payload:     string(body),
		ExecutedAt:  d.now(),
	}
	if err := d.audit.RecordCommand(context.WithoutCancel(ctx), cmd); err != nil {
		zap.L().Warn("whatsapp: record command failed",
			zap.String("device_key", deviceKey),
			zap.String("command", command),
			zap.Error(err))
	} else {
		record = cmd
	}

	res = d.call(ctx, deviceKey, command, body)

	fields := []zap.Field{
		zap.String("device_key", deviceKey),
		zap.String("command", command),
		zap.Int("http_status", res.HTTPStatus),
		zap.Duration("elapsed", time.Since(start)),
	}
	if res.Success {
		zap.L().Info("whatsapp: command completed", fields...)
	} else {
		zap.L().Warn("whatsapp: command failed", append(fields, zap.String("error", res.Error))...)
	}
	return res
}

// call performs the HTTP exchange. The request ignores caller cancellation;
// the client timeout is the only cutoff.
func (d *Dispatcher) call(ctx context.Context, deviceKey, command string, body []byte) CommandResult {
	endpoint := fmt.Sprintf("%s/api/device/%s/%s", d.baseURL, url.PathEscape(deviceKey), url.PathEscape(command))
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failedResult(KindTransport, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", d.apiKey)
	req.Header.Set("X-Device-Id", deviceKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return failedResult(KindTransport, "request to session service failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		res := failedResult(KindTransport, "read response: %v", err)
		res.HTTPStatus = resp.StatusCode
		return res
	}
	return parseResponse(resp.StatusCode, raw)
}

func parseResponse(status int, raw []byte) CommandResult {
	res := CommandResult{HTTPStatus: status, raw: string(raw)}
	ok2xx := status >= 200 && status < 300
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 {
		if ok2xx {
			res.Success = true
			return res
		}
		res.Kind = KindRemote
		res.Error = fmt.Sprintf("session service returned HTTP %d", status)
		return res
	}

	var decoded interface{}
	decodeErr := json.Unmarshal(trimmed, &decoded)
	obj, isObject := decoded.(map[string]interface{})

	if !ok2xx {
		res.Kind = KindRemote
		if decodeErr == nil && isObject {
			res.Data = obj
		}
		if text := remoteErrorText(obj); text != "" {
			res.Error = text
		} else {
			res.Error = fmt.Sprintf("session service returned HTTP %d: %s", status, common.Truncate(string(trimmed), maxErrorText))
		}
		return res
	}

	if decodeErr != nil {
		res.Kind = KindProtocol
		res.Error = fmt.Sprintf("invalid JSON response: %v", decodeErr)
		return res
	}
	if !isObject {
		res.Kind = KindProtocol
		res.Error = fmt.Sprintf("unexpected response type %T, expected object", decoded)
		return res
	}

	res.Data = obj
	if v, exists := obj["success"]; exists {
		if b, err := cast.ToBoolE(v); err == nil && !b {
			res.Kind = KindRemote
			res.Error = common.IfEmptyStr(remoteErrorText(obj), "session service reported failure")
			return res
		}
	}
	res.Success = true
	return res
}

// remoteErrorText extracts the error text from common response shapes:
// {"error":"..."}, {"error":{"message":"..."}}, {"message":"..."}.
func remoteErrorText(obj map[string]interface{}) string {
	if obj == nil {
		return ""
	}
	if v, exists := obj["error"]; exists && v != nil {
		if nested, ok := v.(map[string]interface{}); ok {
			if msg := cast.ToString(nested["message"]); msg != "" {
				return msg
			}
		} else if s := cast.ToString(v); s != "" {
			return s
		}
	}
	for _, key := range []string{"message", "msg"} {
		if s := cast.ToString(obj[key]); s != "" {
			return s
		}
	}
	return ""
}

func (d *Dispatcher) finalize(ctx context.Context, record *domain.WhatsAppCommand, res CommandResult) {
	outcome := CommandOutcome{
		Status:      domain.CommandCompleted,
		HTTPStatus:  res.HTTPStatus,
		ElapsedMs:   res.ElapsedMs,
		CompletedAt: d.now(),
	}
	if res.raw != "" {
		raw := res.raw
		outcome.ResponseData = &raw
	}
	if !res.Success {
		outcome.Status = domain.CommandFailed
		msg := res.Error
		outcome.ErrorMessage = &msg
	}
	if err := d.audit.UpdateCommandResult(context.WithoutCancel(ctx), record.ID, outcome); err != nil {
		zap.L().Warn("whatsapp: finalize command record failed",
			zap.Int64("command_id", record.ID),
			zap.String("command", record.CommandName),
			zap.Error(err))
	}
}

// Health reports whether GET {baseURL}/health answers with a 2xx status.
func (d *Dispatcher) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-API-Key", d.apiKey)
	resp, err := d.client.Do(req)
	if err != nil {
		zap.L().Debug("whatsapp: health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
