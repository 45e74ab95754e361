package devices

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

const redactedPassword = "***"

// Device represents an audio/video capture device, either locally
// attached (USB/CSI camera, microphone) or network-attached (IP camera,
// ONVIF/UPnP/mDNS endpoint).
type Device struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         DeviceType        `json:"type"`
	Domain       Domain            `json:"domain"`
	Status       Status            `json:"status"`
	Streams      map[string]string `json:"streams,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`

	// Network devices.
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	// Local devices.
	SystemPath string `json:"system_path,omitempty"`
	Driver     string `json:"driver,omitempty"`

	Source    string    `json:"source"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Origins tracks per-field provenance (user vs discovery).
	Origins map[Field]Origin `json:"origins,omitempty"`
}

// NetworkDeviceID derives the stable identity of a network device.
func NetworkDeviceID(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// LocalDeviceID derives the stable identity of a local device from its
// system path. Slashes are flattened so the ID stays usable as a single
// bus topic segment.
func LocalDeviceID(systemPath string) string {
	return strings.ReplaceAll(strings.Trim(systemPath, "/"), "/", "_")
}

// DeriveID returns the identity for the device's own address fields.
func (d *Device) DeriveID() string {
	if d.Domain == DomainLocal {
		return LocalDeviceID(d.SystemPath)
	}

	return NetworkDeviceID(d.IP, d.Port)
}

// Clone creates a deep copy of the device.
func (d *Device) Clone() *Device {
	out := *d

	if d.Streams != nil {
		out.Streams = make(map[string]string, len(d.Streams))
		for id, url := range d.Streams {
			out.Streams[id] = url
		}
	}

	out.Capabilities = slices.Clone(d.Capabilities)

	if d.Origins != nil {
		out.Origins = make(map[Field]Origin, len(d.Origins))
		for f, o := range d.Origins {
			out.Origins[f] = o
		}
	}

	return &out
}

// IsManual reports whether the device was added by hand rather than by
// a discovery scanner. Manual devices are exempt from auto-removal.
func (d *Device) IsManual() bool {
	return d.Source == SourceManual
}

// IsOnline checks if the device is online.
func (d *Device) IsOnline() bool {
	return d.Status == StatusOnline
}

// DisplayName returns a human-facing name for logs and listings.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}

	return d.ID
}

// OriginOf returns the provenance of a mutable field. Fields that were
// never explicitly set count as discovery-set, so scanners may fill
// them in.
func (d *Device) OriginOf(f Field) Origin {
	if o, ok := d.Origins[f]; ok {
		return o
	}

	return OriginDiscovery
}

// SetOrigin records who set a mutable field.
func (d *Device) SetOrigin(f Field, o Origin) {
	if d.Origins == nil {
		d.Origins = make(map[Field]Origin)
	}

	d.Origins[f] = o
}

// HasCapability checks for a protocol/feature tag.
func (d *Device) HasCapability(tag string) bool {
	return slices.Contains(d.Capabilities, tag)
}

// AddCapabilities unions tags into the capability set, keeping it
// sorted. It reports whether the set changed.
func (d *Device) AddCapabilities(tags ...string) bool {
	changed := false

	for _, tag := range tags {
		if tag == "" || slices.Contains(d.Capabilities, tag) {
			continue
		}

		d.Capabilities = append(d.Capabilities, tag)
		changed = true
	}

	if changed {
		sort.Strings(d.Capabilities)
	}

	return changed
}

// Flat returns the exportable form of the device: a flat field-value
// mapping with scalar values only. The password is redacted; use
// FlatSensitive when the raw credential is required.
func (d *Device) Flat() map[string]any {
	m := d.flat()
	if d.Password != "" {
		m["password"] = redactedPassword
	}

	return m
}

// FlatSensitive is Flat with the raw password included. It exists for
// the persistence layer only and must never feed a log or an event
// payload.
func (d *Device) FlatSensitive() map[string]any {
	m := d.flat()
	if d.Password != "" {
		m["password"] = d.Password
	}

	return m
}

func (d *Device) flat() map[string]any {
	m := map[string]any{
		"id":         d.ID,
		"name":       d.Name,
		"type":       string(d.Type),
		"domain":     string(d.Domain),
		"status":     string(d.Status),
		"source":     d.Source,
		"last_seen":  d.LastSeen.UTC().Format(time.RFC3339),
		"created_at": d.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": d.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if len(d.Capabilities) > 0 {
		m["capabilities"] = strings.Join(d.Capabilities, ",")
	}

	for id, url := range d.Streams {
		m["stream/"+id] = url
	}

	switch d.Domain {
	case DomainNetwork:
		m["ip"] = d.IP
		m["port"] = d.Port
		m["protocol"] = d.Protocol

		if d.Username != "" {
			m["username"] = d.Username
		}
	case DomainLocal:
		m["system_path"] = d.SystemPath
		m["driver"] = d.Driver
	}

	for f, o := range d.Origins {
		m["origin/"+string(f)] = string(o)
	}

	return m
}
