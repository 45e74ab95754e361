package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/metrics"
)

// Engine fans one scan cycle out over a domain's scanners and merges
// the results by method precedence. Concurrent Scan calls coalesce
// onto the cycle already in flight.
type Engine struct {
	domain   devices.Domain
	scanners []Scanner
	sf       singleflight.Group
}

func NewEngine(domain devices.Domain, scanners []Scanner) *Engine {
	return &Engine{domain: domain, scanners: scanners}
}

// Scan runs one discovery cycle. Callers arriving while a cycle is in
// flight share its result instead of starting another one.
func (e *Engine) Scan(ctx context.Context) ([]devices.Device, error) {
	res, err, _ := e.sf.Do("cycle", func() (any, error) {
		return e.runCycle(ctx)
	})

	found, _ := res.([]devices.Device)

	return found, err
}

func (e *Engine) runCycle(ctx context.Context) ([]devices.Device, error) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	var (
		mu       sync.Mutex
		perProto = map[string][]devices.Device{}
		order    []string
		failures int
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, sc := range e.scanners {
		sc := sc
		if !sc.Available(ctx) {
			logger.Debug().
				Str("domain", string(e.domain)).
				Str("protocol", sc.Protocol()).
				Msg("scanner unavailable, skipping")

			continue
		}

		order = append(order, sc.Protocol())

		g.Go(func() error {
			found, err := sc.Scan(gctx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				failures++

				metrics.RecordScanFailure(sc.Protocol())
				logger.Warn().
					Err(err).
					Str("domain", string(e.domain)).
					Str("protocol", sc.Protocol()).
					Msg("scanner failed")
			}

			// Partial results from a failed scanner still count.
			perProto[sc.Protocol()] = found
			metrics.SetScanFound(string(e.domain), sc.Protocol(), len(found))

			return nil
		})
	}

	_ = g.Wait()

	if len(order) > 0 && failures == len(order) {
		return nil, fmt.Errorf("%w: every %s scanner failed", customerrors.ErrScanFailure, e.domain)
	}

	found := mergeResults(order, perProto, time.Now())

	metrics.RecordScanCycle(string(e.domain), time.Since(start).Seconds())
	logger.Debug().
		Str("domain", string(e.domain)).
		Int("devices", len(found)).
		Dur("took", time.Since(start)).
		Msg("scan cycle finished")

	return found, nil
}
