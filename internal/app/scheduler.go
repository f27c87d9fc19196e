package app

import (
	"context"
	"time"

	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 60 * time.Second
	probeTimeout         = 10 * time.Second
)

type probeState struct {
	probe   ProbeFunc
	checked bool
	up      bool
}

// RegisterProbe adds a reachability probe run by the probe service
func (a *Application) RegisterProbe(name string, probe ProbeFunc) {
	a.probesMu.Lock()
	defer a.probesMu.Unlock()
	a.probes[name] = &probeState{probe: probe}
}

// ProbeStatus returns the last observed result of a probe and whether it has run.
func (a *Application) ProbeStatus(name string) (up bool, checked bool) {
	a.probesMu.RLock()
	defer a.probesMu.RUnlock()
	st, ok := a.probes[name]
	if !ok {
		return false, false
	}
	return st.up, st.checked
}

// ProbeReport is the last observed state of one probe.
type ProbeReport struct {
	Up      bool `json:"up"`
	Checked bool `json:"checked"`
}

// Probes returns a snapshot of every registered probe.
func (a *Application) Probes() map[string]ProbeReport {
	a.probesMu.RLock()
	defer a.probesMu.RUnlock()
	out := make(map[string]ProbeReport, len(a.probes))
	for name, st := range a.probes {
		out[name] = ProbeReport{Up: st.up, Checked: st.checked}
	}
	return out
}

// StartProbeService runs registered probes periodically until ctx is done
func (a *Application) StartProbeService(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	go func() {
		a.runProbes(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runProbes(ctx)
			}
		}
	}()
}

// runProbes executes every registered probe once
func (a *Application) runProbes(ctx context.Context) {
	a.probesMu.RLock()
	names := make([]string, 0, len(a.probes))
	for name := range a.probes {
		names = append(names, name)
	}
	a.probesMu.RUnlock()

	for _, name := range names {
		a.runProbe(ctx, name)
	}
}

func (a *Application) runProbe(ctx context.Context, name string) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	a.probesMu.RLock()
	st, ok := a.probes[name]
	a.probesMu.RUnlock()
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	up := st.probe(pctx)
	cancel()

	var gauge int64
	if up {
		gauge = 1
	}
	metrics.SetGauge("probe_up", gauge, metrics.Label("probe", name))

	a.probesMu.Lock()
	changed := !st.checked || st.up != up
	st.checked = true
	st.up = up
	a.probesMu.Unlock()

	if !changed {
		return
	}
	if up {
		zap.L().Info("probe is up", zap.String("probe", name))
	} else {
		zap.L().Warn("probe is down", zap.String("probe", name))
	}
}
