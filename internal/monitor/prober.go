package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

// Prober answers whether one device is reachable right now. A nil
// return means reachable.
type Prober interface {
	Probe(ctx context.Context, d *devices.Device) error
}

// TCPProber checks a network device with a plain TCP connect to its
// configured address. No protocol handshake; a listening port is
// enough to count as reachable.
type TCPProber struct {
	timeout time.Duration
}

func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, d *devices.Device) error {
	dialer := net.Dialer{Timeout: p.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.IP, strconv.Itoa(d.Port)))
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s", customerrors.ErrProbeTimeout, d.ID)
		}

		return err
	}

	return conn.Close()
}

// PathProber checks a local device by the presence of its device node.
type PathProber struct{}

func (PathProber) Probe(_ context.Context, d *devices.Device) error {
	if _, err := os.Stat(d.SystemPath); err != nil {
		return err
	}

	return nil
}

// ForDomain returns the prober matching a device domain.
func ForDomain(domain devices.Domain, timeout time.Duration) Prober {
	if domain == devices.DomainLocal {
		return PathProber{}
	}

	return NewTCPProber(timeout)
}
