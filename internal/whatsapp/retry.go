package whatsapp

import (
	"context"
	"sync"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/talkincode/wabridge/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBatchSize = 10
)

// RetryDecision is the result of evaluating one disconnect.
// Exhausted is a soft condition: no task is queued and a manual reconnect is required.
type RetryDecision struct {
	Queued     bool  `json:"queued"`
	Exhausted  bool  `json:"exhausted"`
	RetryCount int   `json:"retry_count"`
	TaskID     int64 `json:"task_id,string,omitempty"`
}

// RetryScheduler queues bounded reconnect attempts and drains them from a periodic job.
type RetryScheduler struct {
	db         *gorm.DB
	devices    DeviceRepository
	queue      RetryQueueRepository
	dispatcher CommandDispatcher
	machine    *StateMachine
	maxRetries int
	batchSize  int
	running    sync.Mutex
}

func NewRetryScheduler(db *gorm.DB, dispatcher CommandDispatcher, machine *StateMachine, maxRetries, batchSize int) *RetryScheduler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if batchSize <= 0 {
		batchSize = DefaultRetryBatchSize
	}
	return &RetryScheduler{
		db:         db,
		devices:    NewGormDeviceRepository(db),
		queue:      NewGormRetryQueueRepository(db),
		dispatcher: dispatcher,
		machine:    machine,
		maxRetries: maxRetries,
		batchSize:  batchSize,
	}
}

// Attach evaluates every published disconnect synchronously.
func (s *RetryScheduler) Attach(bus EventBus.Bus) error {
	return bus.Subscribe(TopicDisconnected, func(change StatusChange) {
		if _, err := s.Evaluate(context.Background(), change.DeviceID); err != nil {
			zap.L().Error("whatsapp: retry evaluation failed",
				zap.Int64("device_id", change.DeviceID),
				zap.String("device_key", change.DeviceKey),
				zap.Error(err))
		}
	})
}

// Evaluate increments retry_count while below the limit and queues one reconnect.
// The increment is a conditional update, so concurrent disconnects cannot overshoot.
func (s *RetryScheduler) Evaluate(ctx context.Context, deviceID int64) (RetryDecision, error) {
	var decision RetryDecision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		devices := NewGormDeviceRepository(tx)
		queue := NewGormRetryQueueRepository(tx)

		incremented, err := devices.IncrementRetry(ctx, deviceID, s.maxRetries)
		if err != nil {
			return err
		}
		device, err := devices.GetByID(ctx, deviceID)
		if err != nil {
			return err
		}
		decision.RetryCount = device.RetryCount
		if !incremented {
			decision.Exhausted = true
			return nil
		}

		task := &domain.WhatsAppRetryTask{
			DeviceID:    device.ID,
			DeviceKey:   device.DeviceKey,
			CommandName: CmdConnect,
			Status:      domain.RetryPending,
		}
		if err := queue.Enqueue(ctx, task); err != nil {
			return err
		}
		decision.Queued = true
		decision.TaskID = task.ID
		return nil
	})
	if err != nil {
		return RetryDecision{}, err
	}

	if decision.Exhausted {
		zap.L().Warn("whatsapp: reconnect retries exhausted, manual reconnect required",
			zap.Int64("device_id", deviceID),
			zap.Int("retry_count", decision.RetryCount))
	} else {
		zap.L().Info("whatsapp: reconnect queued",
			zap.Int64("device_id", deviceID),
			zap.Int("retry_count", decision.RetryCount),
			zap.Int64("task_id", decision.TaskID))
	}
	return decision, nil
}

// RunOnce claims one batch of pending tasks, oldest first, and re-dispatches each.
// A run that overlaps a previous one in this process is skipped.
func (s *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		zap.L().Debug("whatsapp: retry worker busy, skipping run")
		return 0, nil
	}
	defer s.running.Unlock()

	tasks, err := s.queue.ClaimPending(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("whatsapp: claim retry tasks failed", zap.Error(err))
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	zap.L().Debug("whatsapp: processing retry tasks", zap.Int("count", len(tasks)))
	for _, task := range tasks {
		s.process(ctx, task)
	}
	return len(tasks), nil
}

func (s *RetryScheduler) process(ctx context.Context, task *domain.WhatsAppRetryTask) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: retry task panic", zap.Int64("task_id", task.ID), zap.Any("panic", err))
			s.finish(ctx, task, domain.RetryFailed, "internal error")
		}
	}()

	device, err := s.devices.GetByID(ctx, task.DeviceID)
	if err != nil {
		s.finish(ctx, task, domain.RetryFailed, err.Error())
		return
	}

	var res CommandResult
	if task.CommandName == CmdConnect {
		res = connectDevice(ctx, s.dispatcher, s.machine, device)
	} else {
		res = s.dispatcher.Dispatch(ctx, device.DeviceKey, task.CommandName, nil)
	}

	if res.Success {
		s.finish(ctx, task, domain.RetryCompleted, "")
		return
	}
	s.finish(ctx, task, domain.RetryFailed, res.Error)
}

func (s *RetryScheduler) finish(ctx context.Context, task *domain.WhatsAppRetryTask, status, lastError string) {
	if err := s.queue.Finish(context.WithoutCancel(ctx), task.ID, status, lastError); err != nil {
		zap.L().Warn("whatsapp: update retry task failed", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}

// connectDevice is the shared connect path: optimistic connecting, dispatch,
// then clear the stored QR when the service accepted the connect.
func connectDevice(ctx context.Context, dispatcher CommandDispatcher, machine *StateMachine, device *domain.WhatsAppDevice) CommandResult {
	if err := machine.ConnectIntent(ctx, device); err != nil {
		zap.L().Warn("whatsapp: connect intent not recorded", zap.Int64("device_id", device.ID), zap.Error(err))
	}
	res := dispatcher.Dispatch(ctx, device.DeviceKey, CmdConnect, nil)
	if res.Success {
		if err := machine.ClearQR(ctx, device); err != nil {
			zap.L().Warn("whatsapp: clear qr after connect failed", zap.Int64("device_id", device.ID), zap.Error(err))
		}
	}
	return res
}
