package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BulkResult is the outcome for one recipient, in input order.
type BulkResult struct {
	Recipient  string `json:"recipient"`
	Success    bool   `json:"success"`
	HTTPStatus int    `json:"http_status"`
	Error      string `json:"error,omitempty"`
}

const (
	BulkJobQueued  = "queued"
	BulkJobRunning = "running"
	BulkJobDone    = "done"

	bulkJobRetention = time.Hour
)

// BulkJob tracks a bulk send submitted to the background pool.
type BulkJob struct {
	ID        string       `json:"id"`
	DeviceKey string       `json:"device_key"`
	Total     int          `json:"total"`
	Status    string       `json:"status"`
	Sent      int          `json:"sent"`
	Failed    int          `json:"failed"`
	Results   []BulkResult `json:"results,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	DoneAt    *time.Time   `json:"done_at,omitempty"`
}

// BulkRunner sends one message to many recipients, strictly in order with a pause
// between dispatches. Separate runs may execute in parallel on the pool.
type BulkRunner struct {
	dispatcher CommandDispatcher
	pool       *ants.Pool
	sleep      func(ctx context.Context, d time.Duration) error

	mu   sync.RWMutex
	jobs map[string]*BulkJob
}

func NewBulkRunner(dispatcher CommandDispatcher, workers int) (*BulkRunner, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create bulk pool")
	}
	return &BulkRunner{
		dispatcher: dispatcher,
		pool:       pool,
		sleep:      sleepContext,
		jobs:       make(map[string]*BulkJob),
	}, nil
}

// BulkSend dispatches sendMessage for each recipient and returns len(recipients)
// results in input order. Individual failures never stop the run. Once ctx is done
// the remaining recipients are reported as failed without being sent.
func (b *BulkRunner) BulkSend(ctx context.Context, deviceKey string, recipients []string, message string, delay time.Duration) []BulkResult {
	return b.run(ctx, deviceKey, recipients, message, delay, nil)
}

func (b *BulkRunner) run(ctx context.Context, deviceKey string, recipients []string, message string, delay time.Duration, progress func(BulkResult)) []BulkResult {
	results := make([]BulkResult, 0, len(recipients))
	for idx, to := range recipients {
		if idx > 0 && delay > 0 {
			_ = b.sleep(ctx, delay)
		}
		var r BulkResult
		if err := ctx.Err(); err != nil {
			r = BulkResult{Recipient: to, Error: "not sent: " + err.Error()}
		} else {
			res := b.dispatcher.Dispatch(ctx, deviceKey, CmdSendMessage, map[string]interface{}{
				"to":      to,
				"message": message,
			})
			r = BulkResult{Recipient: to, Success: res.Success, HTTPStatus: res.HTTPStatus, Error: res.Error}
		}
		results = append(results, r)
		if progress != nil {
			progress(r)
		}
	}
	return results
}

// Submit queues a bulk send on the pool and returns its job id.
func (b *BulkRunner) Submit(deviceKey string, recipients []string, message string, delay time.Duration) (*BulkJob, error) {
	job := &BulkJob{
		ID:        uuid.NewString(),
		DeviceKey: deviceKey,
		Total:     len(recipients),
		Status:    BulkJobQueued,
		CreatedAt: time.Now(),
	}
	b.mu.Lock()
	for id, j := range b.jobs {
		if j.DoneAt != nil && time.Since(*j.DoneAt) > bulkJobRetention {
			delete(b.jobs, id)
		}
	}
	b.jobs[job.ID] = job
	b.mu.Unlock()

	err := b.pool.Submit(func() {
		b.update(job.ID, func(j *BulkJob) { j.Status = BulkJobRunning })
		results := b.run(context.Background(), deviceKey, recipients, message, delay, func(r BulkResult) {
			b.update(job.ID, func(j *BulkJob) {
				if r.Success {
					j.Sent++
				} else {
					j.Failed++
				}
			})
		})
		b.update(job.ID, func(j *BulkJob) {
			now := time.Now()
			j.Status = BulkJobDone
			j.Results = results
			j.DoneAt = &now
		})
		zap.L().Info("whatsapp: bulk job finished",
			zap.String("job_id", job.ID),
			zap.String("device_key", deviceKey),
			zap.Int("total", len(results)))
	})
	if err != nil {
		b.mu.Lock()
		delete(b.jobs, job.ID)
		b.mu.Unlock()
		return nil, errors.Wrap(err, "submit bulk job")
	}
	snapshot, _ := b.Job(job.ID)
	return snapshot, nil
}

// Job returns a copy of the job state.
func (b *BulkRunner) Job(id string) (*BulkJob, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	cp.Results = append([]BulkResult(nil), job.Results...)
	return &cp, true
}

func (b *BulkRunner) update(id string, fn func(*BulkJob)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[id]; ok {
		fn(job)
	}
}

// Release stops the pool.
func (b *BulkRunner) Release() {
	b.pool.Release()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
