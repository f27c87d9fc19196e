package whatsapp

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
)

// CommandStats summarizes command latency in milliseconds.
type CommandStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	Median float64 `json:"median_ms"`
	P95    float64 `json:"p95_ms"`
	Max    float64 `json:"max_ms"`
}

// CommandStats computes latency stats of finalized commands. deviceID 0 covers all devices.
func (s *Service) CommandStats(ctx context.Context, deviceID int64, since time.Time) (CommandStats, error) {
	samples, err := s.audit.CommandLatencies(ctx, deviceID, since)
	if err != nil {
		return CommandStats{}, err
	}
	return summarize(samples), nil
}

func summarize(samples []float64) CommandStats {
	if len(samples) == 0 {
		return CommandStats{}
	}
	data := stats.Float64Data(samples)
	out := CommandStats{Count: len(samples)}
	out.Mean, _ = data.Mean()
	out.Median, _ = data.Median()
	out.P95, _ = data.Percentile(95)
	out.Max, _ = data.Max()
	return out
}
