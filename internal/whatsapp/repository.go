package whatsapp

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"gorm.io/gorm"
)

// ErrAlreadyFinalized is returned when a command record has already left the processing state.
var ErrAlreadyFinalized = errors.New("command record already finalized")

// StatusUpdate is a partial device update applied in a single statement.
// Nil fields are left untouched.
type StatusUpdate struct {
	Status         *domain.DeviceStatus
	RawStatus      *string
	IsOnline       *bool
	WhatsappUserID *string
	WhatsappName   *string
	QRCode         *string
	QRExpiresAt    *time.Time
	// ClearQR nulls both pairing fields; it wins over QRCode/QRExpiresAt.
	ClearQR    bool
	ResetRetry bool
	// MarkConnected sets connected_at to LastSeen only when the row is not already connected.
	MarkConnected bool
	LastSeen      time.Time
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	UserID int64
	Status string
	Q      string
}

// DeviceRepository is the device registry, the sole authority for device state.
type DeviceRepository interface {
	// Create inserts a new device, assigning an id when zero
	Create(ctx context.Context, device *domain.WhatsAppDevice) error

	// GetByID retrieves a device by local id
	GetByID(ctx context.Context, id int64) (*domain.WhatsAppDevice, error)

	// GetByKey retrieves a device by its external device key
	GetByKey(ctx context.Context, deviceKey string) (*domain.WhatsAppDevice, error)

	// List retrieves devices with pagination
	List(ctx context.Context, filter DeviceFilter, page, pageSize int) ([]*domain.WhatsAppDevice, int64, error)

	// UpdateStatus applies a partial status update
	UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) error

	// UpdateQR stores a pairing code with its expiry
	UpdateQR(ctx context.Context, id int64, code string, expiresAt time.Time) error

	// ClearQR nulls the pairing code and its expiry
	ClearQR(ctx context.Context, id int64) error

	// ResetRetry sets retry_count back to zero
	ResetRetry(ctx context.Context, id int64) error

	// IncrementRetry bumps retry_count only while it is below limit.
	// It reports whether the row was updated.
	IncrementRetry(ctx context.Context, id int64, limit int) (bool, error)

	// Delete removes the device and its command, webhook and retry history
	Delete(ctx context.Context, id int64) error
}

// AuditRepository is the append-only command and webhook log.
type AuditRepository interface {
	// RecordCommand inserts a command record in processing state
	RecordCommand(ctx context.Context, cmd *domain.WhatsAppCommand) error

	// UpdateCommandResult finalizes a processing command record once
	UpdateCommandResult(ctx context.Context, id int64, res CommandOutcome) error

	// RecordWebhook inserts a webhook audit row
	RecordWebhook(ctx context.Context, evt *domain.WhatsAppWebhookEvent) error

	ListCommands(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppCommand, int64, error)
	ListWebhooks(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppWebhookEvent, int64, error)

	// CommandLatencies returns elapsed_ms of finalized commands for a device since a point in time
	CommandLatencies(ctx context.Context, deviceID int64, since time.Time) ([]float64, error)
}

// RetryQueueRepository is the durable reconnection queue.
type RetryQueueRepository interface {
	Enqueue(ctx context.Context, task *domain.WhatsAppRetryTask) error

	// ClaimPending moves up to limit pending tasks to processing, oldest first
	ClaimPending(ctx context.Context, limit int) ([]*domain.WhatsAppRetryTask, error)

	// Finish records the terminal state of a claimed task
	Finish(ctx context.Context, id int64, status, lastError string) error

	List(ctx context.Context, status string, page, pageSize int) ([]*domain.WhatsAppRetryTask, int64, error)
}

// CommandOutcome is the terminal update of a command record.
type CommandOutcome struct {
	Status       string
	ResponseData *string
	ErrorMessage *string
	HTTPStatus   int
	ElapsedMs    int64
	CompletedAt  time.Time
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	DeviceID  int64
	Status    string
	EventType string
	Since     time.Time
}

// GormDeviceRepository is the GORM implementation of DeviceRepository
type GormDeviceRepository struct {
	db *gorm.DB
}

func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{db: db}
}

func (r *GormDeviceRepository) Create(ctx context.Context, device *domain.WhatsAppDevice) error {
	if device.ID == 0 {
		device.ID = common.UUIDint64()
	}
	if device.Status == "" {
		device.Status = domain.DeviceDisconnected
	}
	if !device.Status.IsValid() {
		return errors.Wrapf(ErrValidation, "invalid status %q", device.Status)
	}
	if strings.TrimSpace(device.DeviceKey) == "" {
		return errors.Wrap(ErrValidation, "device_key is required")
	}
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *GormDeviceRepository) GetByID(ctx context.Context, id int64) (*domain.WhatsAppDevice, error) {
	var device domain.WhatsAppDevice
	err := r.db.WithContext(ctx).First(&device, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrDeviceNotFound, "id %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *GormDeviceRepository) GetByKey(ctx context.Context, deviceKey string) (*domain.WhatsAppDevice, error) {
	var device domain.WhatsAppDevice
	err := r.db.WithContext(ctx).Where("device_key = ?", deviceKey).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrDeviceNotFound, "device_key %s", deviceKey)
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *GormDeviceRepository) List(ctx context.Context, filter DeviceFilter, page, pageSize int) ([]*domain.WhatsAppDevice, int64, error) {
	var devices []*domain.WhatsAppDevice
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.WhatsAppDevice{})
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if q := strings.TrimSpace(filter.Q); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(device_key) LIKE ? OR LOWER(name) LIKE ? OR phone LIKE ?", like, like, like)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&devices).Error
	return devices, total, err
}

func (r *GormDeviceRepository) UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) error {
	if (upd.QRCode == nil) != (upd.QRExpiresAt == nil) && !upd.ClearQR {
		return errors.Wrap(ErrValidation, "qr_code and qr_expires_at must be set together")
	}
	if upd.Status != nil && !upd.Status.IsValid() {
		return errors.Wrapf(ErrValidation, "invalid status %q", *upd.Status)
	}
	if upd.LastSeen.IsZero() {
		upd.LastSeen = time.Now()
	}

	updates := map[string]interface{}{
		"last_seen": upd.LastSeen,
	}
	if upd.MarkConnected {
		// evaluated against the pre-update row
		updates["connected_at"] = gorm.Expr("CASE WHEN status <> ? OR connected_at IS NULL THEN ? ELSE connected_at END",
			string(domain.DeviceConnected), upd.LastSeen)
	}
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}
	if upd.RawStatus != nil {
		updates["raw_status"] = *upd.RawStatus
	}
	if upd.IsOnline != nil {
		updates["is_online"] = *upd.IsOnline
	}
	if upd.WhatsappUserID != nil {
		updates["whatsapp_user_id"] = *upd.WhatsappUserID
	}
	if upd.WhatsappName != nil {
		updates["whatsapp_name"] = *upd.WhatsappName
	}
	if upd.ClearQR {
		updates["qr_code"] = nil
		updates["qr_expires_at"] = nil
	} else if upd.QRCode != nil {
		updates["qr_code"] = *upd.QRCode
		updates["qr_expires_at"] = *upd.QRExpiresAt
	}
	if upd.ResetRetry {
		updates["retry_count"] = 0
	}

	result := r.db.WithContext(ctx).
		Model(&domain.WhatsAppDevice{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "update device %d", id)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrDeviceNotFound, "id %d", id)
	}
	return nil
}

func (r *GormDeviceRepository) UpdateQR(ctx context.Context, id int64, code string, expiresAt time.Time) error {
	return r.UpdateStatus(ctx, id, StatusUpdate{QRCode: &code, QRExpiresAt: &expiresAt})
}

func (r *GormDeviceRepository) ClearQR(ctx context.Context, id int64) error {
	return r.UpdateStatus(ctx, id, StatusUpdate{ClearQR: true})
}

func (r *GormDeviceRepository) ResetRetry(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&domain.WhatsAppDevice{}).
		Where("id = ?", id).
		Update("retry_count", 0).Error
}

func (r *GormDeviceRepository) IncrementRetry(ctx context.Context, id int64, limit int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.WhatsAppDevice{}).
		Where("id = ? AND retry_count < ?", id, limit).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return false, errors.Wrapf(result.Error, "increment retry for device %d", id)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormDeviceRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&domain.WhatsAppCommand{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&domain.WhatsAppWebhookEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&domain.WhatsAppRetryTask{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&domain.WhatsAppDevice{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errors.Wrapf(ErrDeviceNotFound, "id %d", id)
		}
		return nil
	})
}

// GormAuditRepository is the GORM implementation of AuditRepository
type GormAuditRepository struct {
	db *gorm.DB
}

func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) RecordCommand(ctx context.Context, cmd *domain.WhatsAppCommand) error {
	if cmd.ID == 0 {
		cmd.ID = common.UUIDint64()
	}
	cmd.Status = domain.CommandProcessing
	if cmd.ExecutedAt.IsZero() {
		cmd.ExecutedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *GormAuditRepository) UpdateCommandResult(ctx context.Context, id int64, res CommandOutcome) error {
	if res.Status != domain.CommandCompleted && res.Status != domain.CommandFailed {
		return errors.Wrapf(ErrValidation, "invalid terminal status %q", res.Status)
	}
	result := r.db.WithContext(ctx).
		Model(&domain.WhatsAppCommand{}).
		Where("id = ? AND status = ?", id, domain.CommandProcessing).
		Updates(map[string]interface{}{
			"status":        res.Status,
			"response_data": res.ResponseData,
			"error_message": res.ErrorMessage,
			"http_status":   res.HTTPStatus,
			"elapsed_ms":    res.ElapsedMs,
			"completed_at":  res.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrAlreadyFinalized, "command %d", id)
	}
	return nil
}

func (r *GormAuditRepository) RecordWebhook(ctx context.Context, evt *domain.WhatsAppWebhookEvent) error {
	if evt.ID == 0 {
		evt.ID = common.UUIDint64()
	}
	if evt.Direction == "" {
		evt.Direction = "inbound"
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(evt).Error
}

func (r *GormAuditRepository) ListCommands(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppCommand, int64, error) {
	var rows []*domain.WhatsAppCommand
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.WhatsAppCommand{})
	if filter.DeviceID != 0 {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("command_name = ?", filter.EventType)
	}
	if !filter.Since.IsZero() {
		query = query.Where("executed_at >= ?", filter.Since)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("executed_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	return rows, total, err
}

func (r *GormAuditRepository) ListWebhooks(ctx context.Context, filter AuditFilter, page, pageSize int) ([]*domain.WhatsAppWebhookEvent, int64, error) {
	var rows []*domain.WhatsAppWebhookEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.WhatsAppWebhookEvent{})
	if filter.DeviceID != 0 {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if !filter.Since.IsZero() {
		query = query.Where("received_at >= ?", filter.Since)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("received_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	return rows, total, err
}

func (r *GormAuditRepository) CommandLatencies(ctx context.Context, deviceID int64, since time.Time) ([]float64, error) {
	var elapsed []int64
	query := r.db.WithContext(ctx).
		Model(&domain.WhatsAppCommand{}).
		Where("status <> ?", domain.CommandProcessing)
	if deviceID != 0 {
		query = query.Where("device_id = ?", deviceID)
	}
	if !since.IsZero() {
		query = query.Where("executed_at >= ?", since)
	}
	if err := query.Pluck("elapsed_ms", &elapsed).Error; err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(elapsed))
	for _, v := range elapsed {
		out = append(out, float64(v))
	}
	return out, nil
}

// GormRetryQueueRepository is the GORM implementation of RetryQueueRepository
type GormRetryQueueRepository struct {
	db *gorm.DB
}

func NewGormRetryQueueRepository(db *gorm.DB) *GormRetryQueueRepository {
	return &GormRetryQueueRepository{db: db}
}

func (r *GormRetryQueueRepository) Enqueue(ctx context.Context, task *domain.WhatsAppRetryTask) error {
	if task.ID == 0 {
		task.ID = common.UUIDint64()
	}
	if task.Status == "" {
		task.Status = domain.RetryPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *GormRetryQueueRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.WhatsAppRetryTask, error) {
	var pending []*domain.WhatsAppRetryTask
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.RetryPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.WhatsAppRetryTask, 0, len(pending))
	for _, task := range pending {
		result := r.db.WithContext(ctx).
			Model(&domain.WhatsAppRetryTask{}).
			Where("id = ? AND status = ?", task.ID, domain.RetryPending).
			Updates(map[string]interface{}{
				"status":  domain.RetryProcessing,
				"attempt": gorm.Expr("attempt + 1"),
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		// another worker got it first
		if result.RowsAffected == 0 {
			continue
		}
		task.Status = domain.RetryProcessing
		task.Attempt++
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (r *GormRetryQueueRepository) Finish(ctx context.Context, id int64, status, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&domain.WhatsAppRetryTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_error":   lastError,
			"processed_at": time.Now(),
		}).Error
}

func (r *GormRetryQueueRepository) List(ctx context.Context, status string, page, pageSize int) ([]*domain.WhatsAppRetryTask, int64, error) {
	var tasks []*domain.WhatsAppRetryTask
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.WhatsAppRetryTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	return tasks, total, err
}
