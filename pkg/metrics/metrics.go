package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	mu      sync.RWMutex
	storage tstorage.Storage
)

// InitMetrics opens the time-series store under workdir/data/metrics.
// An empty workdir keeps points in memory only.
func InitMetrics(workdir string) error {
	opts := []tstorage.Option{
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7 * 24 * time.Hour),
	}
	if workdir != "" {
		opts = append(opts, tstorage.WithDataPath(filepath.Join(workdir, "data", "metrics")))
	}
	st, err := tstorage.NewStorage(opts...)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if storage != nil {
		_ = storage.Close()
	}
	storage = st
	return nil
}

// SetGauge records value for name at the current second. No-op before InitMetrics.
func SetGauge(name string, value int64, labels ...tstorage.Label) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{{
		Metric: name,
		Labels: labels,
		DataPoint: tstorage.DataPoint{
			Timestamp: time.Now().Unix(),
			Value:     float64(value),
		},
	}})
}

// Observe records a latency sample in milliseconds.
func Observe(name string, d time.Duration, labels ...tstorage.Label) {
	SetGauge(name, d.Milliseconds(), labels...)
}

// Label is a shorthand for tstorage.Label.
func Label(name, value string) tstorage.Label {
	return tstorage.Label{Name: name, Value: value}
}

// Query returns the points of name between start and end (unix seconds).
func Query(name string, start, end int64, labels ...tstorage.Label) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, tstorage.ErrNoDataPoints
	}
	return storage.Select(name, labels, start, end)
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
