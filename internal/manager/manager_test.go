package manager_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
	"github.com/avhub/avhub/internal/manager"
	"github.com/avhub/avhub/internal/monitor"
	"github.com/avhub/avhub/internal/registry"
)

type fakeScanner struct {
	mu   sync.Mutex
	devs []devices.Device
	stop chan struct{}
}

func (f *fakeScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	if f.stop != nil {
		// Deliberately deaf to ctx: simulates a scanner stuck in a
		// blocking syscall.
		<-f.stop
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]devices.Device, len(f.devs))
	copy(out, f.devs)

	return out, nil
}

func (f *fakeScanner) Protocol() string { return devices.SourceONVIF }

func (f *fakeScanner) Available(context.Context) bool { return true }

func (f *fakeScanner) announce(devs ...devices.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.devs = devs
}

type okProber struct{}

func (okProber) Probe(context.Context, *devices.Device) error { return nil }

func foundCam(ip, name string) devices.Device {
	return devices.Device{
		Name:     name,
		Type:     devices.DeviceTypeVideo,
		Domain:   devices.DomainNetwork,
		IP:       ip,
		Port:     80,
		Protocol: devices.ProtocolRTSP,
		Source:   devices.SourceONVIF,
	}
}

type fixture struct {
	manager *manager.Manager
	reg     *registry.Registry
	scanner *fakeScanner
	bus     *bus.Bus
}

func newFixture(t *testing.T, cfg *config.DomainConfig) *fixture {
	t.Helper()

	b := bus.New(context.Background())
	t.Cleanup(b.Close)

	reg := registry.New(devices.DomainNetwork, b)
	scanner := &fakeScanner{}
	engine := discovery.NewEngine(devices.DomainNetwork, []discovery.Scanner{scanner})
	mon := monitor.New(reg, okProber{}, cfg)

	return &fixture{
		manager: manager.New(reg, engine, mon, b, cfg),
		reg:     reg,
		scanner: scanner,
		bus:     b,
	}
}

func testCfg() *config.DomainConfig {
	return &config.DomainConfig{
		ScanInterval:          1,
		ProbeInterval:         1,
		ProbeFailureThreshold: 3,
		RemovalGraceCycles:    1,
		StopGrace:             1,
		ProbeTimeout:          1,
	}
}

func TestScanReconciles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	ctx := context.Background()

	f.scanner.announce(foundCam("192.168.1.64", "Door Cam"))

	found, err := f.manager.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	devs := f.manager.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "192.168.1.64:80", devs[0].ID)
	assert.Equal(t, devices.SourceONVIF, devs[0].Source)
	assert.False(t, devs[0].LastSeen.IsZero())

	// Gone for one cycle with a grace of one: removed.
	f.scanner.announce()

	_, err = f.manager.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.manager.Devices())
}

func TestRemovalWaitsForGraceCycles(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.RemovalGraceCycles = 2

	f := newFixture(t, cfg)
	ctx := context.Background()

	f.scanner.announce(foundCam("192.168.1.64", "Door Cam"))

	_, err := f.manager.Scan(ctx)
	require.NoError(t, err)

	f.scanner.announce()

	_, err = f.manager.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, f.manager.Devices(), 1)

	_, err = f.manager.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.manager.Devices())
}

func TestManualDeviceSurvivesAbsence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	ctx := context.Background()

	id, err := f.manager.AddDevice(devices.Spec{IP: "192.168.1.200", Port: 554})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.manager.Scan(ctx)
		require.NoError(t, err)
	}

	devs := f.manager.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, id, devs[0].ID)
}

func TestSightingRefreshesDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	ctx := context.Background()

	f.scanner.announce(foundCam("192.168.1.64", ""))

	_, err := f.manager.Scan(ctx)
	require.NoError(t, err)

	sighting := foundCam("192.168.1.64", "Bullet Cam")
	sighting.Capabilities = []string{"onvif", "ptz"}
	f.scanner.announce(sighting)

	_, err = f.manager.Scan(ctx)
	require.NoError(t, err)

	devs := f.manager.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "Bullet Cam", devs[0].Name)
	assert.Contains(t, devs[0].Capabilities, "ptz")
}

func TestUserRenameSticksThroughRediscovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	ctx := context.Background()

	f.scanner.announce(foundCam("192.168.1.64", "Factory Name"))

	_, err := f.manager.Scan(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.UpdateDevice("192.168.1.64:80", devices.Patch{
		Name: devices.StringPtr("Driveway"),
	}))

	_, err = f.manager.Scan(ctx)
	require.NoError(t, err)

	devs := f.manager.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "Driveway", devs[0].Name)
}

func TestStartIsIdempotentAndRestartable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	ctx := context.Background()

	require.NoError(t, f.manager.Start(ctx))
	require.NoError(t, f.manager.Start(ctx))

	f.manager.Stop()
	f.manager.Stop()

	require.NoError(t, f.manager.Start(ctx))
	f.manager.Stop()
}

func TestStopReturnsWithinGrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	f.scanner.stop = make(chan struct{})

	defer close(f.scanner.stop)

	require.NoError(t, f.manager.Start(context.Background()))

	// Let the discovery loop get stuck inside the scanner.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	f.manager.Stop()

	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestCommandsDriveCRUD(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testCfg())
	require.NoError(t, f.manager.Start(context.Background()))

	defer f.manager.Stop()

	spec, err := json.Marshal(devices.Spec{
		Name:     "Side Gate",
		IP:       "192.168.1.90",
		Port:     554,
		Username: "viewer",
		Password: "hunter2",
	})
	require.NoError(t, err)

	f.bus.Publish(devices.CommandTopic(devices.DomainNetwork, devices.CommandAdd), spec)

	require.Eventually(t, func() bool {
		return len(f.manager.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	devs := f.manager.Devices()
	assert.Equal(t, "Side Gate", devs[0].Name)
	assert.Equal(t, "hunter2", devs[0].Password)
	assert.Equal(t, devices.SourceManual, devs[0].Source)

	f.bus.Publish(
		devices.CommandTopic(devices.DomainNetwork, devices.CommandUpdate),
		[]byte(`{"id":"192.168.1.90:554","name":"Rear Gate"}`),
	)

	require.Eventually(t, func() bool {
		devs := f.manager.Devices()

		return len(devs) == 1 && devs[0].Name == "Rear Gate"
	}, 2*time.Second, 10*time.Millisecond)

	f.bus.Publish(
		devices.CommandTopic(devices.DomainNetwork, devices.CommandRemove),
		[]byte(`{"id":"192.168.1.90:554"}`),
	)

	require.Eventually(t, func() bool {
		return len(f.manager.Devices()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScanCommandTriggersDiscovery(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.ScanInterval = 3600 // keep the periodic loop out of the way

	f := newFixture(t, cfg)
	f.scanner.announce(foundCam("192.168.1.64", "Door Cam"))

	require.NoError(t, f.manager.Start(context.Background()))

	defer f.manager.Stop()

	require.Eventually(t, func() bool {
		return len(f.manager.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.RemoveDevice("192.168.1.64:80"))

	f.bus.Publish(devices.CommandTopic(devices.DomainNetwork, devices.CommandScan), nil)

	require.Eventually(t, func() bool {
		return len(f.manager.Devices()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
