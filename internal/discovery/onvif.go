package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	wsDiscoveryAddr = "239.255.255.250:3702"
	wsReadBufSize   = 8192
	onvifScopeBase  = "onvif://www.onvif.org/"
	defaultHTTPPort = 80
)

// wsProbe is a WS-Discovery Probe for NetworkVideoTransmitter devices.
// The single %s is the message UUID.
const wsProbe = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<e:Envelope xmlns:e="http://www.w3.org/2003/05/soap-envelope"` +
	` xmlns:w="http://schemas.xmlsoap.org/ws/2004/08/addressing"` +
	` xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"` +
	` xmlns:dn="http://www.onvif.org/ver10/network/wsdl">` +
	`<e:Header>` +
	`<w:MessageID>uuid:%s</w:MessageID>` +
	`<w:To e:mustUnderstand="true">urn:schemas-xmlsoap-org:ws:2005:04:discovery</w:To>` +
	`<w:Action e:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</w:Action>` +
	`</e:Header>` +
	`<e:Body>` +
	`<d:Probe><d:Types>dn:NetworkVideoTransmitter</d:Types></d:Probe>` +
	`</e:Body>` +
	`</e:Envelope>`

// ONVIFScanner finds cameras answering WS-Discovery probes.
type ONVIFScanner struct {
	cfg *config.ONVIFConfig
}

func NewONVIFScanner(cfg *config.ONVIFConfig) *ONVIFScanner {
	return &ONVIFScanner{cfg: cfg}
}

func (s *ONVIFScanner) Protocol() string { return devices.SourceONVIF }

func (s *ONVIFScanner) Available(_ context.Context) bool { return true }

func (s *ONVIFScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: onvif listen: %s", customerrors.ErrScanFailure, err)
	}
	defer func() { _ = conn.Close() }()

	dst, err := net.ResolveUDPAddr("udp4", wsDiscoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: onvif resolve: %s", customerrors.ErrScanFailure, err)
	}

	probe := fmt.Sprintf(wsProbe, uuid.NewString())
	if _, err := conn.WriteTo([]byte(probe), dst); err != nil {
		return nil, fmt.Errorf("%w: onvif probe send: %s", customerrors.ErrScanFailure, err)
	}

	_ = conn.SetReadDeadline(scanDeadline(ctx, s.cfg.Deadline()))

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	var (
		found []devices.Device
		seen  = map[string]struct{}{}
		buf   = make([]byte, wsReadBufSize)
	)

	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			break // deadline reached or socket closed
		}

		for _, m := range parseProbeMatches(buf[:n]) {
			d, ok := deviceFromProbeMatch(m, src)
			if !ok {
				continue
			}

			key := m.EndpointReference.Address
			if key == "" {
				key = devices.NetworkDeviceID(d.IP, d.Port)
			}

			if _, dup := seen[key]; dup {
				continue
			}

			seen[key] = struct{}{}
			found = append(found, d)
		}
	}

	return found, ctx.Err()
}

type probeMatch struct {
	EndpointReference struct {
		Address string `xml:"Address"`
	} `xml:"EndpointReference"`
	Types  string `xml:"Types"`
	Scopes string `xml:"Scopes"`
	XAddrs string `xml:"XAddrs"`
}

type probeMatchEnvelope struct {
	Body struct {
		ProbeMatches struct {
			ProbeMatch []probeMatch `xml:"ProbeMatch"`
		} `xml:"ProbeMatches"`
	} `xml:"Body"`
}

func parseProbeMatches(data []byte) []probeMatch {
	var env probeMatchEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil
	}

	return env.Body.ProbeMatches.ProbeMatch
}

func deviceFromProbeMatch(m probeMatch, src net.Addr) (devices.Device, bool) {
	ip, port := endpointFromXAddrs(m.XAddrs, src)
	if ip == "" {
		return devices.Device{}, false
	}

	d := devices.Device{
		Name:         scopeValue(m.Scopes, "name"),
		Type:         devices.DeviceTypeVideo,
		Domain:       devices.DomainNetwork,
		IP:           ip,
		Port:         port,
		Protocol:     devices.ProtocolONVIF,
		Source:       devices.SourceONVIF,
		Capabilities: scopeCapabilities(m.Scopes),
	}

	if d.Name == "" {
		d.Name = scopeValue(m.Scopes, "hardware")
	}

	if xaddr := firstXAddr(m.XAddrs); xaddr != "" {
		d.Streams = map[string]string{"onvif": xaddr}
	}

	return d, true
}

// endpointFromXAddrs derives the identity ip:port from the first
// service address, falling back to the UDP source when absent.
func endpointFromXAddrs(xaddrs string, src net.Addr) (string, int) {
	if xaddr := firstXAddr(xaddrs); xaddr != "" {
		if u, err := url.Parse(xaddr); err == nil && u.Hostname() != "" {
			port := defaultHTTPPort
			if p := u.Port(); p != "" {
				if n, err := strconv.Atoi(p); err == nil {
					port = n
				}
			}

			return u.Hostname(), port
		}
	}

	if udp, ok := src.(*net.UDPAddr); ok {
		return udp.IP.String(), defaultHTTPPort
	}

	return "", 0
}

func firstXAddr(xaddrs string) string {
	for _, f := range strings.Fields(xaddrs) {
		return f
	}

	return ""
}

// scopeValue extracts a scope like onvif://www.onvif.org/name/IPC-123.
func scopeValue(scopes, key string) string {
	prefix := onvifScopeBase + key + "/"

	for _, sc := range strings.Fields(scopes) {
		if strings.HasPrefix(sc, prefix) {
			v, err := url.PathUnescape(strings.TrimPrefix(sc, prefix))
			if err != nil {
				return strings.TrimPrefix(sc, prefix)
			}

			return v
		}
	}

	return ""
}

func scopeCapabilities(scopes string) []string {
	caps := []string{devices.SourceONVIF, devices.ProtocolRTSP}

	for _, sc := range strings.Fields(scopes) {
		rest, ok := strings.CutPrefix(sc, onvifScopeBase+"Profile/")
		if !ok {
			continue
		}

		if v, err := url.PathUnescape(rest); err == nil && v != "" {
			caps = append(caps, "profile-"+strings.ToLower(v))
		}
	}

	return caps
}

func scanDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	return deadline
}
