package devices

import (
	"maps"
	"time"
)

// Spec describes a device to add. It is the JSON carrier for add
// commands and the HTTP create endpoint; unlike Device it accepts a
// password from the wire.
type Spec struct {
	Name         string            `json:"name,omitempty"`
	Type         string            `json:"type,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Port         int               `json:"port,omitempty"`
	Protocol     string            `json:"protocol,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	SystemPath   string            `json:"system_path,omitempty"`
	Driver       string            `json:"driver,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Streams      map[string]string `json:"streams,omitempty"`
}

// Device builds the device a Spec describes, ready for registration.
func (s Spec) Device() *Device {
	return &Device{
		Name:         s.Name,
		Type:         DeviceType(s.Type),
		IP:           s.IP,
		Port:         s.Port,
		Protocol:     s.Protocol,
		Username:     s.Username,
		Password:     s.Password,
		SystemPath:   s.SystemPath,
		Driver:       s.Driver,
		Capabilities: append([]string(nil), s.Capabilities...),
		Streams:      maps.Clone(s.Streams),
	}
}

// Patch carries a partial device update. Nil pointers mean "leave the
// field alone"; capability tags are unioned in, stream entries are set
// or removed individually.
type Patch struct {
	Name     *string `json:"name,omitempty"`
	Type     *string `json:"type,omitempty"`
	IP       *string `json:"ip,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Protocol *string `json:"protocol,omitempty"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`

	SystemPath *string `json:"system_path,omitempty"`
	Driver     *string `json:"driver,omitempty"`

	Capabilities  []string          `json:"capabilities,omitempty"`
	SetStreams    map[string]string `json:"set_streams,omitempty"`
	RemoveStreams []string          `json:"remove_streams,omitempty"`

	LastSeen *time.Time `json:"-"`
}

// IsZero reports whether the patch carries no changes at all.
func (p Patch) IsZero() bool {
	return p.Name == nil && p.Type == nil &&
		p.IP == nil && p.Port == nil && p.Protocol == nil &&
		p.Username == nil && p.Password == nil &&
		p.SystemPath == nil && p.Driver == nil &&
		len(p.Capabilities) == 0 && len(p.SetStreams) == 0 && len(p.RemoveStreams) == 0 &&
		p.LastSeen == nil
}

// StringPtr is a convenience helper for building patches.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience helper for building patches.
func IntPtr(i int) *int { return &i }
