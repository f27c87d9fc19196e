package whatsapp

import (
	"context"
	"strings"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service wires the bridge components around one database and one session service.
type Service struct {
	cfg        config.WhatsAppConfig
	bus        EventBus.Bus
	devices    DeviceRepository
	audit      AuditRepository
	queue      RetryQueueRepository
	dispatcher *Dispatcher
	machine    *StateMachine
	ingestor   *Ingestor
	qr         *QRManager
	retry      *RetryScheduler
	bulk       *BulkRunner
}

// NewService builds the bridge on db. A nil bus gets a private one.
func NewService(db *gorm.DB, cfg config.WhatsAppConfig, bus EventBus.Bus) (*Service, error) {
	if bus == nil {
		bus = EventBus.New()
	}
	devices := NewGormDeviceRepository(db)
	audit := NewGormAuditRepository(db)

	dispatcher := NewDispatcher(cfg.BaseURL, cfg.APIKey, cfg.Timeout(), devices, audit)
	machine := NewStateMachine(devices, bus, cfg.QRTTL())
	bulk, err := NewBulkRunner(dispatcher, cfg.BulkWorkers)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:        cfg,
		bus:        bus,
		devices:    devices,
		audit:      audit,
		queue:      NewGormRetryQueueRepository(db),
		dispatcher: dispatcher,
		machine:    machine,
		ingestor:   NewIngestor(devices, audit, machine),
		qr:         NewQRManager(devices, dispatcher, machine, cfg.QRTTL()),
		retry:      NewRetryScheduler(db, dispatcher, machine, cfg.MaxRetries, cfg.RetryBatchSize),
		bulk:       bulk,
	}
	if err := svc.retry.Attach(bus); err != nil {
		bulk.Release()
		return nil, errors.Wrap(err, "subscribe retry scheduler")
	}
	return svc, nil
}

// New creates the service from the application context, registers its
// background jobs and publishes it as the package-global instance.
func New(a app.AppContext) (*Service, error) {
	cfg := a.Config()
	svc, err := NewService(a.DB(), cfg.WhatsApp, a.Bus())
	if err != nil {
		zap.L().Error("whatsapp: service init failed", zap.Error(err))
		return nil, err
	}

	if err := AttachNotifier(svc.bus, notify.FromConfig(cfg.Notify)...); err != nil {
		zap.L().Warn("whatsapp: notifier not attached", zap.Error(err))
	}

	if sched := a.Scheduler(); sched != nil {
		if _, err := sched.AddFunc(cfg.WhatsApp.RetryJobSpec, svc.SchedRetryTask); err != nil {
			zap.L().Error("whatsapp: register retry job failed",
				zap.String("spec", cfg.WhatsApp.RetryJobSpec),
				zap.Error(err))
		}
	}
	a.RegisterProbe("whatsapp_remote", svc.Health)

	setGlobalService(svc)
	zap.L().Info("whatsapp: service initialized",
		zap.String("base_url", cfg.WhatsApp.BaseURL),
		zap.Int("max_retries", cfg.WhatsApp.MaxRetries),
		zap.String("retry_job", cfg.WhatsApp.RetryJobSpec))
	return svc, nil
}

// SchedRetryTask drains one batch of the retry queue.
func (s *Service) SchedRetryTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if _, err := s.retry.RunOnce(context.Background()); err != nil {
		zap.L().Warn("whatsapp: retry job failed", zap.Error(err))
	}
}

// RunRetryNow drains one batch of the retry queue on demand.
func (s *Service) RunRetryNow(ctx context.Context) (int, error) {
	return s.retry.RunOnce(ctx)
}

// Close releases the bulk pool.
func (s *Service) Close() {
	s.bulk.Release()
}

// CreateDevice registers a device. deviceKey is immutable afterwards.
func (s *Service) CreateDevice(ctx context.Context, userID int64, deviceKey, phone, name string) (*domain.WhatsAppDevice, error) {
	deviceKey = strings.TrimSpace(deviceKey)
	if deviceKey == "" {
		return nil, errors.Wrap(ErrValidation, "device_key is required")
	}
	device := &domain.WhatsAppDevice{
		UserID:    userID,
		DeviceKey: deviceKey,
		Phone:     strings.TrimSpace(phone),
		Name:      strings.TrimSpace(name),
		Status:    domain.DeviceDisconnected,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, err
	}
	zap.L().Info("whatsapp: device created", zap.Int64("device_id", device.ID), zap.String("device_key", deviceKey))
	return device, nil
}

func (s *Service) GetDevice(ctx context.Context, id int64) (*domain.WhatsAppDevice, error) {
	return s.devices.GetByID(ctx, id)
}

func (s *Service) ListDevices(ctx context.Context, filter DeviceFilter, page, pageSize int) ([]*domain.WhatsAppDevice, int64, error) {
	return s.devices.List(ctx, filter, page, pageSize)
}

// RemoveDevice asks the session service to drop the session, then deletes the
// device with its history. A failed remote disconnect does not block removal.
func (s *Service) RemoveDevice(ctx context.Context, id int64) error {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if device.Status != domain.DeviceDisconnected {
		if res := s.dispatcher.Dispatch(ctx, device.DeviceKey, CmdDisconnect, nil); !res.Success {
			zap.L().Warn("whatsapp: disconnect before removal failed",
				zap.Int64("device_id", id),
				zap.String("error", res.Error))
		}
	}
	if err := s.devices.Delete(ctx, id); err != nil {
		return err
	}
	zap.L().Info("whatsapp: device removed", zap.Int64("device_id", id), zap.String("device_key", device.DeviceKey))
	return nil
}

// Connect sets connecting immediately, then issues connect.
func (s *Service) Connect(ctx context.Context, id int64) CommandResult {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return failedResult(KindOf(err), "%v", err)
	}
	return connectDevice(ctx, s.dispatcher, s.machine, device)
}

// Reconnect is the manual path after retries are exhausted. The retry budget
// is left alone; only a ready event resets it.
func (s *Service) Reconnect(ctx context.Context, id int64) CommandResult {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return failedResult(KindOf(err), "%v", err)
	}
	zap.L().Info("whatsapp: manual reconnect",
		zap.Int64("device_id", device.ID),
		zap.Int("retry_count", device.RetryCount))
	return connectDevice(ctx, s.dispatcher, s.machine, device)
}

// Disconnect issues disconnect and records it once the service accepted it.
func (s *Service) Disconnect(ctx context.Context, id int64) CommandResult {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return failedResult(KindOf(err), "%v", err)
	}
	res := s.dispatcher.Dispatch(ctx, device.DeviceKey, CmdDisconnect, nil)
	if res.Success {
		if err := s.machine.LocalDisconnected(ctx, device); err != nil {
			zap.L().Warn("whatsapp: record disconnect failed", zap.Int64("device_id", id), zap.Error(err))
		}
	}
	return res
}

// SendText sends one message through the device.
func (s *Service) SendText(ctx context.Context, id int64, to, message string) CommandResult {
	if strings.TrimSpace(to) == "" || message == "" {
		return failedResult(KindValidation, "recipient and message are required")
	}
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return failedResult(KindOf(err), "%v", err)
	}
	return s.dispatcher.Dispatch(ctx, device.DeviceKey, CmdSendMessage, map[string]interface{}{
		"to":      to,
		"message": message,
	})
}

func (s *Service) GetQR(ctx context.Context, id int64) QRResult {
	return s.qr.GetOrRefresh(ctx, id)
}

func (s *Service) ClearQR(ctx context.Context, id int64) error {
	return s.qr.Clear(ctx, id)
}

// BulkSend runs a paced bulk send synchronously.
func (s *Service) BulkSend(ctx context.Context, id int64, recipients []string, message string, delay time.Duration) ([]BulkResult, error) {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.bulk.BulkSend(ctx, device.DeviceKey, recipients, message, s.bulkDelay(delay)), nil
}

// SubmitBulk runs a paced bulk send on the background pool.
func (s *Service) SubmitBulk(ctx context.Context, id int64, recipients []string, message string, delay time.Duration) (*BulkJob, error) {
	device, err := s.devices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.bulk.Submit(device.DeviceKey, recipients, message, s.bulkDelay(delay))
}

func (s *Service) BulkJob(jobID string) (*BulkJob, bool) {
	return s.bulk.Job(jobID)
}

// bulkDelay maps a negative delay to the configured default.
func (s *Service) bulkDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return s.cfg.BulkDelay()
	}
	return delay
}

func (s *Service) ProcessWebhook(ctx context.Context, eventType string, payload map[string]interface{}) WebhookResult {
	return s.ingestor.Process(ctx, eventType, payload)
}

func (s *Service) ProcessWebhookRaw(ctx context.Context, body []byte) WebhookResult {
	return s.ingestor.ProcessRaw(ctx, body)
}

// Health reports session service reachability.
func (s *Service) Health(ctx context.Context) bool {
	return s.dispatcher.Health(ctx)
}

// WebhookSecret is the shared secret expected on inbound webhooks, empty when disabled.
func (s *Service) WebhookSecret() string {
	return s.cfg.WebhookSecret
}

func (s *Service) ListCommands(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppCommand, int64, error) {
	return s.audit.ListCommands(ctx, filter, page, pageSize)
}

func (s *Service) ListWebhooks(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppWebhookEvent, int64, error) {
	return s.audit.ListWebhooks(ctx, filter, page, pageSize)
}

func (s *Service) ListRetryTasks(ctx context.Context, status string, page, pageSize int) ([]*domain.WhatsAppRetryTask, int64, error) {
	return s.queue.List(ctx, status, page, pageSize)
}

// package-level global reference for the running service instance
var globalSvc *Service
var globalSvcLock sync.RWMutex

func setGlobalService(s *Service) {
	globalSvcLock.Lock()
	defer globalSvcLock.Unlock()
	globalSvc = s
}

// Get returns the running WhatsApp service instance or nil if not
// initialized.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}
