package discovery

import (
	"sort"

	"github.com/avhub/avhub/internal/devices"
)

// Delta is the outcome of comparing one scan cycle against the known
// device set.
type Delta struct {
	Added   []devices.Device
	Seen    []devices.Device
	Removed []string
}

// Reconciler tracks per-device absence streaks across scan cycles and
// turns raw cycle results into registry mutations. A discovered device
// is removed only after grace consecutive cycles without a sighting;
// manually added devices are never auto-removed.
type Reconciler struct {
	grace  int
	misses map[string]int
}

func NewReconciler(grace int) *Reconciler {
	if grace <= 0 {
		grace = 1
	}

	return &Reconciler{grace: grace, misses: map[string]int{}}
}

// Reconcile compares the devices found this cycle with the current
// registry contents. It must see every cycle of its domain, in order,
// for the absence streaks to mean anything.
func (r *Reconciler) Reconcile(current, found []devices.Device) Delta {
	var delta Delta

	known := make(map[string]struct{}, len(current))
	for i := range current {
		known[current[i].ID] = struct{}{}
	}

	inCycle := make(map[string]struct{}, len(found))

	for _, d := range found {
		inCycle[d.ID] = struct{}{}
		delete(r.misses, d.ID)

		if _, ok := known[d.ID]; ok {
			delta.Seen = append(delta.Seen, d)
		} else {
			delta.Added = append(delta.Added, d)
		}
	}

	for i := range current {
		dev := &current[i]

		if _, ok := inCycle[dev.ID]; ok {
			continue
		}

		if dev.IsManual() {
			delete(r.misses, dev.ID)

			continue
		}

		r.misses[dev.ID]++

		if r.misses[dev.ID] >= r.grace {
			delta.Removed = append(delta.Removed, dev.ID)
			delete(r.misses, dev.ID)
		}
	}

	// Forget streaks of devices that left the registry by other means.
	for id := range r.misses {
		if _, ok := known[id]; !ok {
			delete(r.misses, id)
		}
	}

	sort.Strings(delta.Removed)

	return delta
}
