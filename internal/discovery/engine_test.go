package discovery_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
	customerrors "github.com/avhub/avhub/internal/errors"
)

type fakeScanner struct {
	protocol  string
	devs      []devices.Device
	err       error
	offline   bool
	calls     atomic.Int32
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (f *fakeScanner) Protocol() string { return f.protocol }

func (f *fakeScanner) Available(_ context.Context) bool { return !f.offline }

func (f *fakeScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	f.calls.Add(1)

	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return f.devs, f.err
}

func TestEngineMergesAcrossScanners(t *testing.T) {
	t.Parallel()

	onvif := &fakeScanner{
		protocol: devices.SourceONVIF,
		devs: []devices.Device{{
			Name:         "Bullet Cam",
			Domain:       devices.DomainNetwork,
			IP:           "192.168.1.64",
			Port:         80,
			Protocol:     devices.ProtocolONVIF,
			Capabilities: []string{"onvif"},
		}},
	}
	mdns := &fakeScanner{
		protocol: devices.SourceMDNS,
		devs: []devices.Device{{
			Name:         "front-door",
			Domain:       devices.DomainNetwork,
			IP:           "192.168.1.64",
			Port:         80,
			Capabilities: []string{"mdns", "ptz"},
		}},
	}

	e := discovery.NewEngine(devices.DomainNetwork, []discovery.Scanner{onvif, mdns})

	found, err := e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)

	assert.Equal(t, "Bullet Cam", found[0].Name)
	assert.Equal(t, devices.SourceONVIF, found[0].Source)
	assert.Contains(t, found[0].Capabilities, "ptz")
}

func TestEngineAllScannersFailed(t *testing.T) {
	t.Parallel()

	a := &fakeScanner{protocol: devices.SourceONVIF, err: errors.New("socket exploded")}
	b := &fakeScanner{protocol: devices.SourceMDNS, err: errors.New("socket exploded")}

	e := discovery.NewEngine(devices.DomainNetwork, []discovery.Scanner{a, b})

	found, err := e.Scan(context.Background())
	require.ErrorIs(t, err, customerrors.ErrScanFailure)
	assert.Empty(t, found)
}

func TestEnginePartialFailureKeepsResults(t *testing.T) {
	t.Parallel()

	failing := &fakeScanner{
		protocol: devices.SourceONVIF,
		devs: []devices.Device{{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.64",
			Port:   80,
		}},
		err: errors.New("read interrupted"),
	}
	healthy := &fakeScanner{
		protocol: devices.SourceMDNS,
		devs: []devices.Device{{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.70",
			Port:   554,
		}},
	}

	e := discovery.NewEngine(devices.DomainNetwork, []discovery.Scanner{failing, healthy})

	found, err := e.Scan(context.Background())
	require.NoError(t, err)

	// The failing scanner got partway through; what it found counts.
	assert.Len(t, found, 2)
}

func TestEngineSkipsUnavailableScanners(t *testing.T) {
	t.Parallel()

	down := &fakeScanner{protocol: devices.SourceALSA, offline: true, err: errors.New("must not run")}
	up := &fakeScanner{
		protocol: devices.SourceV4L2,
		devs: []devices.Device{{
			Domain:     devices.DomainLocal,
			SystemPath: "/dev/video0",
		}},
	}

	e := discovery.NewEngine(devices.DomainLocal, []discovery.Scanner{down, up})

	found, err := e.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.EqualValues(t, 0, down.calls.Load())
}

func TestEngineNoScannersAvailable(t *testing.T) {
	t.Parallel()

	down := &fakeScanner{protocol: devices.SourceALSA, offline: true}

	e := discovery.NewEngine(devices.DomainLocal, []discovery.Scanner{down})

	found, err := e.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestEngineCoalescesConcurrentScans(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	slow := &fakeScanner{
		protocol: devices.SourceONVIF,
		devs: []devices.Device{{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.64",
			Port:   80,
		}},
		block:   gate,
		started: make(chan struct{}),
	}

	e := discovery.NewEngine(devices.DomainNetwork, []discovery.Scanner{slow})

	var (
		wg      sync.WaitGroup
		lengths [2]int
		errs    [2]error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		found, err := e.Scan(context.Background())
		lengths[0], errs[0] = len(found), err
	}()

	<-slow.started

	wg.Add(1)

	go func() {
		defer wg.Done()

		found, err := e.Scan(context.Background())
		lengths[1], errs[1] = len(found), err
	}()

	// Let the second caller reach the in-flight cycle before it ends.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, lengths[0])
	assert.Equal(t, 1, lengths[1])
	assert.EqualValues(t, 1, slow.calls.Load())
}
