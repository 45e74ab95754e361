package devices

import (
	"fmt"
	"net"
	"strings"

	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	minPort = 1
	maxPort = 65535
)

// Validate checks an add/update spec for structural problems. All
// failures wrap ErrValidation so callers can classify them.
func Validate(d *Device) error {
	switch d.Domain {
	case DomainLocal:
		return validateLocal(d)
	case DomainNetwork:
		return validateNetwork(d)
	default:
		return fmt.Errorf("%w: unknown domain %q", customerrors.ErrValidation, d.Domain)
	}
}

func validateNetwork(d *Device) error {
	if net.ParseIP(d.IP) == nil {
		return fmt.Errorf("%w: invalid ip %q", customerrors.ErrValidation, d.IP)
	}

	if d.Port < minPort || d.Port > maxPort {
		return fmt.Errorf("%w: port %d out of range", customerrors.ErrValidation, d.Port)
	}

	if d.Protocol != "" && !knownProtocol(d.Protocol) {
		return fmt.Errorf("%w: unsupported protocol %q", customerrors.ErrValidation, d.Protocol)
	}

	return validateCommon(d)
}

func validateLocal(d *Device) error {
	if d.SystemPath == "" {
		return fmt.Errorf("%w: system_path is required", customerrors.ErrValidation)
	}

	if !strings.HasPrefix(d.SystemPath, "/") {
		return fmt.Errorf("%w: system_path must be absolute", customerrors.ErrValidation)
	}

	return validateCommon(d)
}

func validateCommon(d *Device) error {
	switch d.Type {
	case "", DeviceTypeVideo, DeviceTypeAudio:
	default:
		return fmt.Errorf("%w: unknown device type %q", customerrors.ErrValidation, d.Type)
	}

	for id := range d.Streams {
		if id == "" {
			return fmt.Errorf("%w: empty stream id", customerrors.ErrValidation)
		}

		if strings.Contains(id, "/") {
			return fmt.Errorf("%w: stream id %q must not contain '/'", customerrors.ErrValidation, id)
		}
	}

	return nil
}

func knownProtocol(p string) bool {
	switch p {
	case ProtocolRTSP, ProtocolRTMP, ProtocolHTTP, ProtocolONVIF:
		return true
	default:
		return false
	}
}

// NormalizeNew fills the derivable parts of a freshly added device:
// identity, defaults and origin flags matching its source.
func NormalizeNew(d *Device, source string) {
	if d.Type == "" {
		d.Type = DeviceTypeVideo
	}

	if d.Domain == DomainNetwork && d.Protocol == "" {
		d.Protocol = ProtocolRTSP
	}

	if d.ID == "" {
		d.ID = d.DeriveID()
	}

	d.Source = source
	d.Status = StatusUnknown

	origin := OriginDiscovery
	if source == SourceManual {
		origin = OriginUser
	}

	if d.Name != "" {
		d.SetOrigin(FieldName, origin)
	}

	if d.Username != "" || d.Password != "" {
		d.SetOrigin(FieldCredentials, origin)
	}

	if len(d.Capabilities) > 0 {
		d.SetOrigin(FieldCapabilities, origin)
	}

	if len(d.Streams) > 0 {
		d.SetOrigin(FieldStreams, origin)
	}

	d.SetOrigin(FieldAddress, origin)
}
