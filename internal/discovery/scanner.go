package discovery

import (
	"context"
	"fmt"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

// Scanner discovers devices over one protocol. Implementations own
// their handshake and timeout enforcement and map native responses
// into device sightings carrying enough identity to derive an ID.
type Scanner interface {
	// Scan performs one discovery pass. A partial result alongside an
	// error is valid; the engine keeps what it got.
	Scan(ctx context.Context) ([]devices.Device, error)

	// Protocol returns the discovery method name (onvif, upnp, ...).
	Protocol() string

	// Available reports whether the scanner can run on this host
	// (required tooling or kernel interfaces present).
	Available(ctx context.Context) bool
}

// NewScanners builds the scanner set for a domain in the order given
// by discovery_methods; that order defines merge precedence.
func NewScanners(cfg *config.Config, domain devices.Domain) ([]Scanner, error) {
	var methods []string

	switch domain {
	case devices.DomainLocal:
		methods = cfg.LocalDevices.DiscoveryMethods
	case devices.DomainNetwork:
		methods = cfg.NetworkDevices.DiscoveryMethods
	}

	scanners := make([]Scanner, 0, len(methods))

	for _, m := range methods {
		s, err := newScanner(m, cfg)
		if err != nil {
			return nil, err
		}

		scanners = append(scanners, s)
	}

	return scanners, nil
}

func newScanner(protocol string, cfg *config.Config) (Scanner, error) {
	switch protocol {
	case devices.SourceONVIF:
		return NewONVIFScanner(&cfg.NetworkDevices.ONVIF), nil
	case devices.SourceUPnP:
		return NewUPnPScanner(&cfg.NetworkDevices.UPnP), nil
	case devices.SourceMDNS:
		return NewMDNSScanner(&cfg.NetworkDevices.MDNS), nil
	case devices.SourceV4L2:
		return NewV4L2Scanner(&cfg.LocalDevices.V4L2), nil
	case devices.SourceALSA:
		return NewALSAScanner(&cfg.LocalDevices.ALSA), nil
	default:
		return nil, fmt.Errorf("%w: %s", customerrors.ErrUnknownProtocol, protocol)
	}
}
