package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	ssdpAddr          = "239.255.255.250:1900"
	ssdpMX            = 2
	ssdpReadBufSize   = 4096
	descCacheEntries  = 1024
	descCacheTTL      = 30 * time.Minute
	descMaxBody       = 256 * 1024
	ssdpSearchRequest = "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: %d\r\n" +
		"ST: %s\r\n" +
		"\r\n"
)

// UPnPScanner finds devices answering SSDP search requests. Device
// description documents are fetched over HTTP and cached per location
// so repeated cycles do not hammer the devices.
type UPnPScanner struct {
	cfg    *config.UPnPConfig
	client *http.Client
	descs  *lru.LRU[string, upnpDescription]
}

func NewUPnPScanner(cfg *config.UPnPConfig) *UPnPScanner {
	return &UPnPScanner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Deadline()},
		descs:  lru.NewLRU[string, upnpDescription](descCacheEntries, nil, descCacheTTL),
	}
}

func (s *UPnPScanner) Protocol() string { return devices.SourceUPnP }

func (s *UPnPScanner) Available(_ context.Context) bool { return true }

func (s *UPnPScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: upnp listen: %s", customerrors.ErrScanFailure, err)
	}
	defer func() { _ = conn.Close() }()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: upnp resolve: %s", customerrors.ErrScanFailure, err)
	}

	search := fmt.Sprintf(ssdpSearchRequest, ssdpMX, s.cfg.SearchTarget)
	if _, err := conn.WriteTo([]byte(search), dst); err != nil {
		return nil, fmt.Errorf("%w: upnp search send: %s", customerrors.ErrScanFailure, err)
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
		buf   = make([]byte, ssdpReadBufSize)
	)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}

		resp, ok := parseSSDPResponse(buf[:n])
		if !ok {
			continue
		}

		key := resp.USN
		if key == "" {
			key = resp.Location
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		if d, ok := s.deviceFromSSDP(ctx, resp); ok {
			found = append(found, d)
		}
	}

	return found, ctx.Err()
}

type ssdpResponse struct {
	Location string
	Server   string
	ST       string
	USN      string
}

// parseSSDPResponse reads one HTTP-over-UDP search response.
func parseSSDPResponse(pkt []byte) (ssdpResponse, bool) {
	rd := textproto.NewReader(bufio.NewReader(bytes.NewReader(pkt)))

	status, err := rd.ReadLine()
	if err != nil || !strings.Contains(status, "200") {
		return ssdpResponse{}, false
	}

	hdr, err := rd.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return ssdpResponse{}, false
	}

	resp := ssdpResponse{
		Location: hdr.Get("Location"),
		Server:   hdr.Get("Server"),
		ST:       hdr.Get("St"),
		USN:      hdr.Get("Usn"),
	}

	return resp, resp.Location != ""
}

func (s *UPnPScanner) deviceFromSSDP(ctx context.Context, resp ssdpResponse) (devices.Device, bool) {
	u, err := url.Parse(resp.Location)
	if err != nil || u.Hostname() == "" {
		return devices.Device{}, false
	}

	ip := u.Hostname()

	port := defaultHTTPPort
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	desc := s.description(ctx, resp.Location)

	name := desc.FriendlyName
	if name == "" {
		name = resp.Server
	}

	caps := []string{devices.SourceUPnP}
	if desc.DeviceType != "" {
		caps = append(caps, deviceTypeTag(desc.DeviceType))
	}

	d := devices.Device{
		Name:         name,
		Type:         devices.DeviceTypeVideo,
		Domain:       devices.DomainNetwork,
		IP:           ip,
		Port:         port,
		Protocol:     devices.ProtocolHTTP,
		Source:       devices.SourceUPnP,
		Capabilities: caps,
		Streams:      map[string]string{"description": resp.Location},
	}

	return d, true
}

type upnpDescription struct {
	FriendlyName string
	DeviceType   string
	Manufacturer string
	ModelName    string
}

type upnpDescriptionXML struct {
	Device struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
	} `xml:"device"`
}

// description fetches (or recalls) the device description document.
func (s *UPnPScanner) description(ctx context.Context, location string) upnpDescription {
	if desc, ok := s.descs.Get(location); ok {
		return desc
	}

	desc := s.fetchDescription(ctx, location)
	s.descs.Add(location, desc)

	return desc
}

func (s *UPnPScanner) fetchDescription(ctx context.Context, location string) upnpDescription {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return upnpDescription{}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return upnpDescription{}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return upnpDescription{}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, descMaxBody))
	if err != nil {
		return upnpDescription{}
	}

	return parseDescription(body)
}

func parseDescription(body []byte) upnpDescription {
	var doc upnpDescriptionXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return upnpDescription{}
	}

	return upnpDescription{
		FriendlyName: doc.Device.FriendlyName,
		DeviceType:   doc.Device.DeviceType,
		Manufacturer: doc.Device.Manufacturer,
		ModelName:    doc.Device.ModelName,
	}
}

// deviceTypeTag turns urn:schemas-upnp-org:device:MediaServer:1 into
// a capability tag like media-server.
func deviceTypeTag(deviceType string) string {
	parts := strings.Split(deviceType, ":")
	name := deviceType

	if len(parts) >= 4 {
		name = parts[3]
	}

	var b strings.Builder

	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}

			b.WriteRune(r - 'A' + 'a')

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
