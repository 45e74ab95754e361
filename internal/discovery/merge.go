package discovery

import (
	"time"

	"github.com/avhub/avhub/internal/devices"
)

// mergeResults folds per-protocol scan results into one device list.
// Protocols earlier in the method order take precedence: the first one
// to report an identity owns its attributes. Later reports only union
// capabilities and fill in what the winner left blank.
func mergeResults(order []string, perProtocol map[string][]devices.Device, now time.Time) []devices.Device {
	merged := map[string]*devices.Device{}

	var ids []string

	for _, protocol := range order {
		for _, d := range perProtocol[protocol] {
			dev := d
			devices.NormalizeNew(&dev, protocol)
			dev.LastSeen = now

			prev, ok := merged[dev.ID]
			if !ok {
				merged[dev.ID] = &dev
				ids = append(ids, dev.ID)

				continue
			}

			prev.AddCapabilities(dev.Capabilities...)

			for id, url := range dev.Streams {
				if prev.Streams == nil {
					prev.Streams = map[string]string{}
				}

				if _, taken := prev.Streams[id]; !taken {
					prev.Streams[id] = url
				}
			}

			fillEmpty(prev, &dev)
		}
	}

	out := make([]devices.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, *merged[id])
	}

	return out
}

// fillEmpty copies fields a lower-precedence protocol knows that the
// winning one does not.
func fillEmpty(dst, src *devices.Device) {
	if dst.Name == "" {
		dst.Name = src.Name
	}

	if dst.Protocol == "" {
		dst.Protocol = src.Protocol
	}

	if dst.Driver == "" {
		dst.Driver = src.Driver
	}
}
