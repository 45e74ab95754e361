package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	mdnsAddr        = "224.0.0.251:5353"
	mdnsReadBufSize = 65535
)

// MDNSScanner performs one-shot DNS-SD queries for the configured
// service types and assembles devices from PTR/SRV/A/TXT answers.
type MDNSScanner struct {
	cfg *config.MDNSConfig
}

func NewMDNSScanner(cfg *config.MDNSConfig) *MDNSScanner {
	return &MDNSScanner{cfg: cfg}
}

func (s *MDNSScanner) Protocol() string { return devices.SourceMDNS }

func (s *MDNSScanner) Available(_ context.Context) bool { return true }

func (s *MDNSScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: mdns listen: %s", customerrors.ErrScanFailure, err)
	}
	defer func() { _ = conn.Close() }()

	dst, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: mdns resolve: %s", customerrors.ErrScanFailure, err)
	}

	for _, svc := range s.cfg.Services {
		q := new(dns.Msg)
		q.SetQuestion(dns.Fqdn(svc), dns.TypePTR)
		q.RecursionDesired = false

		packed, err := q.Pack()
		if err != nil {
			return nil, fmt.Errorf("%w: mdns pack %s: %s", customerrors.ErrScanFailure, svc, err)
		}

		if _, err := conn.WriteTo(packed, dst); err != nil {
			return nil, fmt.Errorf("%w: mdns query send: %s", customerrors.ErrScanFailure, err)
		}
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

	pool := newRecordPool()
	buf := make([]byte, mdnsReadBufSize)

	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}

		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}

		pool.collect(&msg, src)
	}

	return pool.assemble(s.cfg.Services), ctx.Err()
}

// recordPool accumulates resource records across response packets
// until the scan deadline, then assembles them into devices.
type recordPool struct {
	instances map[string]struct{} // PTR targets, in discovery order
	order     []string
	srvs      map[string]*dns.SRV
	addrs     map[string]string   // host fqdn -> ip
	txts      map[string][]string // instance fqdn -> txt strings
	sources   map[string]string   // instance fqdn -> packet source ip
}

func newRecordPool() *recordPool {
	return &recordPool{
		instances: map[string]struct{}{},
		srvs:      map[string]*dns.SRV{},
		addrs:     map[string]string{},
		txts:      map[string][]string{},
		sources:   map[string]string{},
	}
}

func (p *recordPool) collect(msg *dns.Msg, src net.Addr) {
	srcIP := ""
	if udp, ok := src.(*net.UDPAddr); ok {
		srcIP = udp.IP.String()
	}

	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Extra...)

	for _, rr := range records {
		switch r := rr.(type) {
		case *dns.PTR:
			if _, ok := p.instances[r.Ptr]; !ok {
				p.instances[r.Ptr] = struct{}{}
				p.order = append(p.order, r.Ptr)
			}

			if srcIP != "" {
				p.sources[r.Ptr] = srcIP
			}
		case *dns.SRV:
			p.srvs[r.Hdr.Name] = r
		case *dns.A:
			p.addrs[r.Hdr.Name] = r.A.String()
		case *dns.AAAA:
			if _, ok := p.addrs[r.Hdr.Name]; !ok {
				p.addrs[r.Hdr.Name] = r.AAAA.String()
			}
		case *dns.TXT:
			p.txts[r.Hdr.Name] = append(p.txts[r.Hdr.Name], r.Txt...)
		}
	}
}

func (p *recordPool) assemble(services []string) []devices.Device {
	var found []devices.Device

	for _, instance := range p.order {
		svc := serviceOf(instance, services)
		if svc == "" {
			continue
		}

		srv := p.srvs[instance]
		if srv == nil {
			continue
		}

		ip := p.addrs[srv.Target]
		if ip == "" {
			ip = p.sources[instance]
		}

		if ip == "" {
			continue
		}

		port := int(srv.Port)
		proto := serviceProtocol(svc)

		d := devices.Device{
			Name:         instanceName(instance, svc),
			Type:         devices.DeviceTypeVideo,
			Domain:       devices.DomainNetwork,
			IP:           ip,
			Port:         port,
			Protocol:     proto,
			Source:       devices.SourceMDNS,
			Capabilities: []string{devices.SourceMDNS, proto},
		}

		if proto == devices.ProtocolRTSP {
			d.Streams = map[string]string{"rtsp": fmt.Sprintf("rtsp://%s:%d/", ip, port)}
		}

		for _, txt := range p.txts[instance] {
			if feats, ok := strings.CutPrefix(txt, "features="); ok {
				d.Capabilities = append(d.Capabilities, strings.Split(feats, ",")...)
			}
		}

		found = append(found, d)
	}

	return found
}

func serviceOf(instance string, services []string) string {
	for _, svc := range services {
		if strings.HasSuffix(instance, dns.Fqdn(svc)) {
			return dns.Fqdn(svc)
		}
	}

	return ""
}

// instanceName strips the service suffix and undoes DNS label escaping.
func instanceName(instance, service string) string {
	name := strings.TrimSuffix(instance, "."+service)
	name = strings.TrimSuffix(name, ".")
	name = strings.ReplaceAll(name, `\032`, " ")
	name = strings.ReplaceAll(name, `\ `, " ")
	name = strings.ReplaceAll(name, `\.`, ".")

	return name
}

func serviceProtocol(service string) string {
	if strings.Contains(service, "_rtsp") {
		return devices.ProtocolRTSP
	}

	return devices.ProtocolHTTP
}
