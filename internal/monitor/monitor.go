package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/metrics"
	"github.com/avhub/avhub/internal/registry"
)

const (
	probesPerSecond = 16
	probeBurst      = 4

	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeTimeout = "timeout"
)

// Monitor drives reachability probes for every device of one registry.
// A single success marks a device online; going offline takes the
// configured number of consecutive failures. Status writes go through
// the registry, which suppresses non-transitions, so repeated probes in
// a stable state stay silent.
type Monitor struct {
	reg       *registry.Registry
	prober    Prober
	interval  time.Duration
	threshold int
	limiter   *rate.Limiter

	mu       sync.Mutex
	inflight map[string]bool
	failures map[string]int
}

func New(reg *registry.Registry, prober Prober, cfg *config.DomainConfig) *Monitor {
	return &Monitor{
		reg:       reg,
		prober:    prober,
		interval:  cfg.ProbeEvery(),
		threshold: cfg.FailureThreshold(),
		limiter:   rate.NewLimiter(probesPerSecond, probeBurst),
		inflight:  map[string]bool{},
		failures:  map[string]int{},
	}
}

// Run sweeps immediately and then on every probe interval until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered device once and returns when all
// probes launched by this call have finished. Distinct devices probe
// concurrently; a device still being probed by an overlapping sweep is
// skipped, never queued.
func (m *Monitor) Sweep(ctx context.Context) {
	devs := m.reg.List()
	m.forget(devs)

	var wg sync.WaitGroup

	for i := range devs {
		d := devs[i]

		if !m.begin(d.ID) {
			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer m.end(d.ID)

			m.probe(ctx, &d)
		}()
	}

	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, d *devices.Device) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	err := m.prober.Probe(ctx, d)
	elapsed := time.Since(start).Seconds()

	domain := string(m.reg.Domain())

	if err != nil {
		outcome := outcomeFailure
		if errors.Is(err, customerrors.ErrProbeTimeout) {
			outcome = outcomeTimeout
		}

		metrics.RecordProbe(domain, outcome, elapsed)
		m.fail(ctx, d, err)

		return
	}

	metrics.RecordProbe(domain, outcomeSuccess, elapsed)
	m.succeed(ctx, d)
}

func (m *Monitor) succeed(ctx context.Context, d *devices.Device) {
	m.mu.Lock()
	delete(m.failures, d.ID)
	m.mu.Unlock()

	m.setStatus(ctx, d.ID, devices.StatusOnline)
}

func (m *Monitor) fail(ctx context.Context, d *devices.Device, probeErr error) {
	m.mu.Lock()
	m.failures[d.ID]++
	streak := m.failures[d.ID]
	m.mu.Unlock()

	zerolog.Ctx(ctx).Debug().
		Err(probeErr).
		Str("device", d.ID).
		Int("streak", streak).
		Msg("probe failed")

	if streak < m.threshold {
		return
	}

	m.setStatus(ctx, d.ID, devices.StatusOffline)
}

func (m *Monitor) setStatus(ctx context.Context, id string, status devices.Status) {
	err := m.reg.SetStatus(id, status)
	if err == nil || errors.Is(err, customerrors.ErrNotFound) {
		return
	}

	zerolog.Ctx(ctx).Warn().Err(err).Str("device", id).Msg("status update failed")
}

// begin claims the per-device probe slot. False means a probe for this
// device is already running.
func (m *Monitor) begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight[id] {
		return false
	}

	m.inflight[id] = true

	return true
}

func (m *Monitor) end(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, id)
}

// forget drops failure streaks of devices no longer registered, so a
// re-added identity starts with a clean slate.
func (m *Monitor) forget(devs []devices.Device) {
	current := make(map[string]bool, len(devs))
	for i := range devs {
		current[devs[i].ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.failures {
		if !current[id] {
			delete(m.failures, id)
		}
	}
}
