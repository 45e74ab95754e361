package monitor_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/monitor"
	"github.com/avhub/avhub/internal/registry"
)

var errUnreachable = errors.New("no route to host")

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int

	started chan string
	block   chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context, d *devices.Device) error {
	if f.started != nil {
		f.started <- d.ID
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.err
}

func (f *fakeProber) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (s *topicRecorder) Publish(topic string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics = append(s.topics, topic)
}

func (s *topicRecorder) statusEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for _, topic := range s.topics {
		if strings.Contains(topic, "/status/") {
			n++
		}
	}

	return n
}

func domainCfg(threshold int) *config.DomainConfig {
	return &config.DomainConfig{
		ProbeInterval:         1,
		ProbeFailureThreshold: threshold,
		ProbeTimeout:          1,
	}
}

func addCamera(t *testing.T, r *registry.Registry, ip string) string {
	t.Helper()

	added, err := r.Add(&devices.Device{
		Domain:   devices.DomainNetwork,
		IP:       ip,
		Port:     554,
		Protocol: devices.ProtocolRTSP,
	})
	require.NoError(t, err)

	return added.ID
}

func mustStatus(t *testing.T, r *registry.Registry, id string) devices.Status {
	t.Helper()

	d, err := r.Get(id)
	require.NoError(t, err)

	return d.Status
}

func TestSingleSuccessMarksOnline(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	id := addCamera(t, r, "192.168.1.64")

	m := monitor.New(r, &fakeProber{}, domainCfg(3))
	m.Sweep(context.Background())

	assert.Equal(t, devices.StatusOnline, mustStatus(t, r, id))
}

func TestOfflineRequiresConsecutiveFailures(t *testing.T) {
	t.Parallel()

	sink := &topicRecorder{}
	r := registry.New(devices.DomainNetwork, sink)
	id := addCamera(t, r, "192.168.1.64")

	prober := &fakeProber{err: errUnreachable}
	m := monitor.New(r, prober, domainCfg(3))

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusUnknown, mustStatus(t, r, id))
	assert.Equal(t, 0, sink.statusEvents())

	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOffline, mustStatus(t, r, id))
	assert.Equal(t, 1, sink.statusEvents())

	// Further failures keep the state without repeating the event.
	m.Sweep(context.Background())
	assert.Equal(t, 1, sink.statusEvents())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	id := addCamera(t, r, "192.168.1.64")

	prober := &fakeProber{err: errUnreachable}
	m := monitor.New(r, prober, domainCfg(3))

	m.Sweep(context.Background())
	m.Sweep(context.Background())

	prober.setErr(nil)
	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOnline, mustStatus(t, r, id))

	prober.setErr(errUnreachable)
	m.Sweep(context.Background())
	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOnline, mustStatus(t, r, id))

	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOffline, mustStatus(t, r, id))
}

func TestSingleSuccessRecoversFromOffline(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	id := addCamera(t, r, "192.168.1.64")

	prober := &fakeProber{err: errUnreachable}
	m := monitor.New(r, prober, domainCfg(1))

	m.Sweep(context.Background())
	require.Equal(t, devices.StatusOffline, mustStatus(t, r, id))

	prober.setErr(nil)
	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOnline, mustStatus(t, r, id))
}

func TestOverlappingSweepSkipsInflightDevice(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	addCamera(t, r, "192.168.1.64")

	prober := &fakeProber{
		started: make(chan string, 1),
		block:   make(chan struct{}),
	}
	m := monitor.New(r, prober, domainCfg(3))

	done := make(chan struct{})

	go func() {
		defer close(done)

		m.Sweep(context.Background())
	}()

	<-prober.started

	// The probe is parked; a second sweep must not start another one.
	m.Sweep(context.Background())

	close(prober.block)
	<-done

	assert.Equal(t, 1, prober.callCount())
}

func TestDistinctDevicesProbeConcurrently(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	addCamera(t, r, "192.168.1.64")
	addCamera(t, r, "192.168.1.65")

	prober := &fakeProber{
		started: make(chan string, 2),
		block:   make(chan struct{}),
	}
	m := monitor.New(r, prober, domainCfg(3))

	done := make(chan struct{})

	go func() {
		defer close(done)

		m.Sweep(context.Background())
	}()

	// Both probes must be in flight before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-prober.started:
		case <-time.After(2 * time.Second):
			t.Fatal("second probe never started")
		}
	}

	close(prober.block)
	<-done

	assert.Equal(t, 2, prober.callCount())
}

func TestReAddedDeviceStartsCleanStreak(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	id := addCamera(t, r, "192.168.1.64")

	prober := &fakeProber{err: errUnreachable}
	m := monitor.New(r, prober, domainCfg(3))

	m.Sweep(context.Background())
	m.Sweep(context.Background())

	require.NoError(t, r.Remove(id))
	m.Sweep(context.Background())

	addCamera(t, r, "192.168.1.64")
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	assert.Equal(t, devices.StatusUnknown, mustStatus(t, r, id))

	m.Sweep(context.Background())
	assert.Equal(t, devices.StatusOffline, mustStatus(t, r, id))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := registry.New(devices.DomainNetwork, nil)
	addCamera(t, r, "192.168.1.64")

	m := monitor.New(r, &fakeProber{}, domainCfg(3))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		m.Run(ctx)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestPathProber(t *testing.T) {
	t.Parallel()

	node := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(node, nil, 0o600))

	p := monitor.PathProber{}

	require.NoError(t, p.Probe(context.Background(), &devices.Device{SystemPath: node}))
	require.Error(t, p.Probe(context.Background(), &devices.Device{SystemPath: node + "-missing"}))
}

func TestTCPProber(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer func() { _ = ln.Close() }()

	go func() {
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}

			_ = conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	p := monitor.NewTCPProber(time.Second)

	require.NoError(t, p.Probe(context.Background(), &devices.Device{IP: "127.0.0.1", Port: port}))
}

func TestTCPProberUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := monitor.NewTCPProber(time.Second)

	require.Error(t, p.Probe(context.Background(), &devices.Device{IP: "127.0.0.1", Port: port}))
}

func TestForDomain(t *testing.T) {
	t.Parallel()

	assert.IsType(t, monitor.PathProber{}, monitor.ForDomain(devices.DomainLocal, time.Second))
	assert.IsType(t, &monitor.TCPProber{}, monitor.ForDomain(devices.DomainNetwork, time.Second))
}
