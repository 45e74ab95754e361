// Package manager ties one domain's pieces together: the discovery
// loop feeding the registry, the reachability monitor and the bus
// command surface.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/metrics"
	"github.com/avhub/avhub/internal/monitor"
	"github.com/avhub/avhub/internal/registry"
)

const (
	removalVanished = "vanished"
	removalManual   = "manual"
)

// Manager runs the lifecycle of one device domain. Start launches the
// discovery and monitor loops and registers the command handlers; Stop
// cancels everything and waits at most the configured stop grace.
type Manager struct {
	domain devices.Domain
	cfg    *config.DomainConfig
	reg    *registry.Registry
	engine *discovery.Engine
	mon    *monitor.Monitor
	b      *bus.Bus

	reconMu sync.Mutex
	recon   *discovery.Reconciler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(reg *registry.Registry, engine *discovery.Engine, mon *monitor.Monitor, b *bus.Bus, cfg *config.DomainConfig) *Manager {
	return &Manager{
		domain: reg.Domain(),
		cfg:    cfg,
		reg:    reg,
		engine: engine,
		mon:    mon,
		b:      b,
		recon:  discovery.NewReconciler(cfg.GraceCycles()),
	}
}

// Domain returns the domain this manager serves.
func (m *Manager) Domain() devices.Domain { return m.domain }

// Start launches the loops. Calling it again while running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if err := m.registerCommands(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		m.discoveryLoop(runCtx)
	}()

	go func() {
		defer wg.Done()

		m.mon.Run(runCtx)
	}()

	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(m.done)

	m.running = true

	zerolog.Ctx(ctx).Info().Str("domain", string(m.domain)).Msg("manager started")

	return nil
}

// Stop cancels the loops and in-flight scans, then waits for them up
// to the stop grace. Stragglers past the grace are abandoned and their
// results discarded.
func (m *Manager) Stop() {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()

		return
	}

	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	m.unregisterCommands()

	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout()):
	}
}

// AddDevice registers a manually configured device and returns its ID.
func (m *Manager) AddDevice(spec devices.Spec) (string, error) {
	added, err := m.reg.Add(spec.Device())
	if err != nil {
		return "", err
	}

	return added.ID, nil
}

// UpdateDevice applies a user patch to one device.
func (m *Manager) UpdateDevice(id string, p devices.Patch) error {
	_, err := m.reg.Update(id, p, devices.OriginUser)

	return err
}

// RemoveDevice deletes one device on user request.
func (m *Manager) RemoveDevice(id string) error {
	if err := m.reg.Remove(id); err != nil {
		return err
	}

	metrics.RecordRemoval(removalManual)

	return nil
}

// Devices lists the registry snapshot.
func (m *Manager) Devices() []devices.Device {
	return m.reg.List()
}

// Device fetches one device by ID.
func (m *Manager) Device(id string) (*devices.Device, error) {
	return m.reg.Get(id)
}

// Scan runs one on-demand discovery cycle and reconciles its results
// into the registry. A cycle already in flight is shared, not doubled.
func (m *Manager) Scan(ctx context.Context) ([]devices.Device, error) {
	found, err := m.engine.Scan(ctx)
	if err != nil {
		return nil, err
	}

	m.reconcile(ctx, found)

	return found, nil
}

func (m *Manager) discoveryLoop(ctx context.Context) {
	m.runCycle(ctx)

	ticker := time.NewTicker(m.cfg.ScanEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Manager) runCycle(ctx context.Context) {
	found, err := m.engine.Scan(ctx)
	if err != nil {
		// Keep the registry as is: a dead network must not read as
		// every camera vanishing.
		zerolog.Ctx(ctx).Warn().Err(err).Str("domain", string(m.domain)).Msg("discovery cycle failed")

		return
	}

	if ctx.Err() != nil {
		return
	}

	m.reconcile(ctx, found)
}

func (m *Manager) reconcile(ctx context.Context, found []devices.Device) {
	m.reconMu.Lock()
	defer m.reconMu.Unlock()

	logger := zerolog.Ctx(ctx)
	delta := m.recon.Reconcile(m.reg.List(), found)

	for i := range delta.Added {
		d := delta.Added[i]

		if _, err := m.reg.Add(&d); err != nil {
			logger.Debug().Err(err).Str("device", d.ID).Msg("discovered device not added")

			continue
		}

		logger.Info().Str("device", d.ID).Str("source", d.Source).Msg("device discovered")
	}

	for i := range delta.Seen {
		d := delta.Seen[i]

		if _, err := m.reg.Update(d.ID, discoveryPatch(&d), devices.OriginDiscovery); err != nil {
			logger.Debug().Err(err).Str("device", d.ID).Msg("sighting update failed")
		}
	}

	for _, id := range delta.Removed {
		if err := m.reg.Remove(id); err != nil {
			logger.Debug().Err(err).Str("device", id).Msg("vanished device already gone")

			continue
		}

		metrics.RecordRemoval(removalVanished)
		logger.Info().Str("device", id).Msg("device vanished")
	}
}

// discoveryPatch distills a sighting into the fields discovery is
// allowed to refresh. Credentials never appear here; scanners cannot
// know them.
func discoveryPatch(d *devices.Device) devices.Patch {
	seen := d.LastSeen

	p := devices.Patch{
		Capabilities: d.Capabilities,
		LastSeen:     &seen,
	}

	if d.Name != "" {
		p.Name = devices.StringPtr(d.Name)
	}

	if d.Protocol != "" {
		p.Protocol = devices.StringPtr(d.Protocol)
	}

	if d.Driver != "" {
		p.Driver = devices.StringPtr(d.Driver)
	}

	if len(d.Streams) > 0 {
		p.SetStreams = d.Streams
	}

	return p
}

func (m *Manager) commandTopics() map[string]bus.Handler {
	return map[string]bus.Handler{
		devices.CommandTopic(m.domain, devices.CommandScan):   m.handleScanCommand,
		devices.CommandTopic(m.domain, devices.CommandAdd):    m.handleAddCommand,
		devices.CommandTopic(m.domain, devices.CommandUpdate): m.handleUpdateCommand,
		devices.CommandTopic(m.domain, devices.CommandRemove): m.handleRemoveCommand,
	}
}

func (m *Manager) registerCommands() error {
	for topic, h := range m.commandTopics() {
		if err := m.b.Handle(topic, h); err != nil {
			m.unregisterCommands()

			return err
		}
	}

	return nil
}

func (m *Manager) unregisterCommands() {
	for topic := range m.commandTopics() {
		m.b.RemoveHandler(topic)
	}
}

func (m *Manager) handleScanCommand(ctx context.Context, _ bus.Message) error {
	found, err := m.Scan(ctx)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("domain", string(m.domain)).
		Int("found", len(found)).
		Msg("scan command completed")

	return nil
}

func (m *Manager) handleAddCommand(ctx context.Context, msg bus.Message) error {
	var spec devices.Spec
	if err := decodePayload(msg.Payload, &spec); err != nil {
		return fmt.Errorf("%w: add command payload: %s", customerrors.ErrValidation, err)
	}

	id, err := m.AddDevice(spec)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("device", id).Msg("device added via command")

	return nil
}

type updateCommand struct {
	ID string `json:"id"`

	devices.Patch
}

func (m *Manager) handleUpdateCommand(ctx context.Context, msg bus.Message) error {
	var cmd updateCommand
	if err := decodePayload(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("%w: update command payload: %s", customerrors.ErrValidation, err)
	}

	if cmd.ID == "" {
		return fmt.Errorf("%w: update command needs an id", customerrors.ErrValidation)
	}

	if err := m.UpdateDevice(cmd.ID, cmd.Patch); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("device", cmd.ID).Msg("device updated via command")

	return nil
}

type removeCommand struct {
	ID string `json:"id"`
}

func (m *Manager) handleRemoveCommand(ctx context.Context, msg bus.Message) error {
	var cmd removeCommand
	if err := decodePayload(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("%w: remove command payload: %s", customerrors.ErrValidation, err)
	}

	if cmd.ID == "" {
		return fmt.Errorf("%w: remove command needs an id", customerrors.ErrValidation)
	}

	if err := m.RemoveDevice(cmd.ID); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("device", cmd.ID).Msg("device removed via command")

	return nil
}

// decodePayload accepts both wire payloads (raw JSON from the MQTT
// bridge) and in-process structs published straight onto the bus.
func decodePayload(payload, into any) error {
	switch v := payload.(type) {
	case []byte:
		return json.Unmarshal(v, into)
	case json.RawMessage:
		return json.Unmarshal(v, into)
	case string:
		return json.Unmarshal([]byte(v), into)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}

		return json.Unmarshal(raw, into)
	}
}
