package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
	"github.com/avhub/avhub/internal/metrics"
)

// EventSink receives one message per registry change. *bus.Bus
// satisfies it.
type EventSink interface {
	Publish(topic string, payload any)
}

// StatusChange is the payload of a status event.
type StatusChange struct {
	Device   *devices.Device `json:"device"`
	Previous devices.Status  `json:"previous"`
}

// Registry is the concurrent-safe in-memory device store of one
// domain. Identity is fixed when a device is added; address patches
// change fields, never the ID. Every mutation emits exactly one bus
// event and reads hand out deep copies only.
type Registry struct {
	domain devices.Domain
	sink   EventSink

	mu   sync.RWMutex
	byID map[string]*devices.Device
}

func New(domain devices.Domain, sink EventSink) *Registry {
	return &Registry{
		domain: domain,
		sink:   sink,
		byID:   map[string]*devices.Device{},
	}
}

// Domain returns the domain this registry serves.
func (r *Registry) Domain() devices.Domain { return r.domain }

// Add inserts a new device. The stored copy always starts with status
// unknown; the monitor decides reachability.
func (r *Registry) Add(d *devices.Device) (*devices.Device, error) {
	in := d.Clone()
	in.Domain = r.domain

	if in.Source == "" {
		in.Source = devices.SourceManual
	}

	if err := devices.Validate(in); err != nil {
		return nil, err
	}

	devices.NormalizeNew(in, in.Source)

	now := time.Now()
	in.CreatedAt = now
	in.UpdatedAt = now

	if in.LastSeen.IsZero() {
		in.LastSeen = now
	}

	r.mu.Lock()

	if _, dup := r.byID[in.ID]; dup {
		r.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", customerrors.ErrDuplicateIdentity, in.ID)
	}

	r.byID[in.ID] = in
	r.mu.Unlock()

	r.publishCounts()
	r.emit(devices.ActionAdded, in.Clone())

	return in.Clone(), nil
}

// Restore inserts a persisted device without renormalizing it, keeping
// its stored ID, source, origin flags and timestamps. Status resets to
// unknown; reachability is always re-proven after a restart.
func (r *Registry) Restore(d *devices.Device) error {
	in := d.Clone()
	in.Domain = r.domain
	in.Status = devices.StatusUnknown

	if in.ID == "" {
		in.ID = in.DeriveID()
	}

	if err := devices.Validate(in); err != nil {
		return err
	}

	r.mu.Lock()

	if _, dup := r.byID[in.ID]; dup {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", customerrors.ErrDuplicateIdentity, in.ID)
	}

	r.byID[in.ID] = in
	r.mu.Unlock()

	r.publishCounts()
	r.emit(devices.ActionAdded, in.Clone())

	return nil
}

// Update merges the set fields of a patch into an existing device.
// Discovery-origin patches never override user-set fields and empty
// credential values never erase stored ones. The updated event fires
// only when something actually changed; a LastSeen bump alone does not
// count.
func (r *Registry) Update(id string, p devices.Patch, origin devices.Origin) (*devices.Device, error) {
	r.mu.Lock()

	cur, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", customerrors.ErrNotFound, id)
	}

	next := cur.Clone()
	changed := applyPatch(next, p, origin)

	if err := devices.Validate(next); err != nil {
		r.mu.Unlock()

		return nil, err
	}

	if changed {
		next.UpdatedAt = time.Now()
	}

	r.byID[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	if changed {
		r.emit(devices.ActionUpdated, snapshot.Clone())
	}

	return snapshot, nil
}

// Remove deletes a device and emits the removed event with its final
// state.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()

	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", customerrors.ErrNotFound, id)
	}

	delete(r.byID, id)
	snapshot := d.Clone()
	r.mu.Unlock()

	r.publishCounts()
	r.emit(devices.ActionRemoved, snapshot)

	return nil
}

// SetStatus is the monitor's path for reachability changes. Repeating
// the current status emits nothing.
func (r *Registry) SetStatus(id string, status devices.Status) error {
	r.mu.Lock()

	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", customerrors.ErrNotFound, id)
	}

	previous := d.Status
	if previous == status {
		r.mu.Unlock()

		return nil
	}

	now := time.Now()
	d.Status = status
	d.UpdatedAt = now

	if status == devices.StatusOnline {
		d.LastSeen = now
	}

	snapshot := d.Clone()
	r.mu.Unlock()

	metrics.RecordTransition(string(status))
	r.publishCounts()
	r.emitStatus(snapshot, previous)

	return nil
}

// Get returns a deep copy of one device.
func (r *Registry) Get(id string) (*devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", customerrors.ErrNotFound, id)
	}

	return d.Clone(), nil
}

// List returns deep copies of every device, sorted by ID.
func (r *Registry) List() []devices.Device {
	r.mu.RLock()

	out := make([]devices.Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, *d.Clone())
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Len reports the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

func (r *Registry) emit(action string, d *devices.Device) {
	if r.sink == nil {
		return
	}

	r.sink.Publish(devices.EventTopic(r.domain, action, d.ID), d)
}

func (r *Registry) emitStatus(d *devices.Device, previous devices.Status) {
	if r.sink == nil {
		return
	}

	r.sink.Publish(
		devices.EventTopic(r.domain, devices.ActionStatus, d.ID),
		&StatusChange{Device: d, Previous: previous},
	)
}

func (r *Registry) publishCounts() {
	counts := map[devices.Status]int{
		devices.StatusUnknown: 0,
		devices.StatusOnline:  0,
		devices.StatusOffline: 0,
	}

	r.mu.RLock()

	for _, d := range r.byID {
		counts[d.Status]++
	}

	r.mu.RUnlock()

	for status, n := range counts {
		metrics.SetDeviceCount(string(r.domain), string(status), n)
	}
}
