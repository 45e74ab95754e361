package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/devices"
)

const probeMatchesPacket = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery" xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
 <SOAP-ENV:Header>
  <wsa:RelatesTo>uuid:84ede3de-7dec-11d0-c360-f01234567890</wsa:RelatesTo>
  <wsa:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/ProbeMatches</wsa:Action>
 </SOAP-ENV:Header>
 <SOAP-ENV:Body>
  <d:ProbeMatches>
   <d:ProbeMatch>
    <wsa:EndpointReference>
     <wsa:Address>urn:uuid:2419d68a-2dd2-21b2-a205-ec71f3a09f33</wsa:Address>
    </wsa:EndpointReference>
    <d:Types>dn:NetworkVideoTransmitter</d:Types>
    <d:Scopes>onvif://www.onvif.org/type/video_encoder onvif://www.onvif.org/name/Bullet%20Cam onvif://www.onvif.org/hardware/IPC-123 onvif://www.onvif.org/Profile/Streaming onvif://www.onvif.org/location/hall</d:Scopes>
    <d:XAddrs>http://192.168.1.64:8000/onvif/device_service</d:XAddrs>
    <d:MetadataVersion>1</d:MetadataVersion>
   </d:ProbeMatch>
  </d:ProbeMatches>
 </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func TestParseProbeMatches(t *testing.T) {
	t.Parallel()

	matches := parseProbeMatches([]byte(probeMatchesPacket))
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, "urn:uuid:2419d68a-2dd2-21b2-a205-ec71f3a09f33", m.EndpointReference.Address)
	assert.Contains(t, m.Types, "NetworkVideoTransmitter")
	assert.Equal(t, "http://192.168.1.64:8000/onvif/device_service", m.XAddrs)
}

func TestParseProbeMatchesGarbage(t *testing.T) {
	t.Parallel()

	assert.Empty(t, parseProbeMatches([]byte("not xml at all")))
	assert.Empty(t, parseProbeMatches(nil))
}

func TestDeviceFromProbeMatch(t *testing.T) {
	t.Parallel()

	m := parseProbeMatches([]byte(probeMatchesPacket))[0]
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.64"), Port: 3702}

	d, ok := deviceFromProbeMatch(m, src)
	require.True(t, ok)

	assert.Equal(t, "Bullet Cam", d.Name)
	assert.Equal(t, devices.DeviceTypeVideo, d.Type)
	assert.Equal(t, devices.DomainNetwork, d.Domain)
	assert.Equal(t, "192.168.1.64", d.IP)
	assert.Equal(t, 8000, d.Port)
	assert.Equal(t, devices.ProtocolONVIF, d.Protocol)
	assert.Equal(t, devices.SourceONVIF, d.Source)
	assert.Contains(t, d.Capabilities, devices.SourceONVIF)
	assert.Contains(t, d.Capabilities, devices.ProtocolRTSP)
	assert.Contains(t, d.Capabilities, "profile-streaming")
	assert.Equal(t, "http://192.168.1.64:8000/onvif/device_service", d.Streams["onvif"])
}

func TestDeviceFromProbeMatchFallsBackToSource(t *testing.T) {
	t.Parallel()

	var m probeMatch

	m.Scopes = "onvif://www.onvif.org/hardware/IPC-123"
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3702}

	d, ok := deviceFromProbeMatch(m, src)
	require.True(t, ok)

	assert.Equal(t, "IPC-123", d.Name)
	assert.Equal(t, "10.0.0.9", d.IP)
	assert.Equal(t, defaultHTTPPort, d.Port)
	assert.Empty(t, d.Streams)
}

func TestDeviceFromProbeMatchNoAddress(t *testing.T) {
	t.Parallel()

	var m probeMatch

	_, ok := deviceFromProbeMatch(m, nil)
	assert.False(t, ok)
}

func TestScopeValue(t *testing.T) {
	t.Parallel()

	scopes := "onvif://www.onvif.org/name/Bullet%20Cam onvif://www.onvif.org/hardware/IPC-123"

	assert.Equal(t, "Bullet Cam", scopeValue(scopes, "name"))
	assert.Equal(t, "IPC-123", scopeValue(scopes, "hardware"))
	assert.Empty(t, scopeValue(scopes, "location"))
	assert.Empty(t, scopeValue("", "name"))
}

func TestScopeCapabilities(t *testing.T) {
	t.Parallel()

	scopes := "onvif://www.onvif.org/Profile/Streaming onvif://www.onvif.org/Profile/T onvif://www.onvif.org/name/Cam"

	caps := scopeCapabilities(scopes)
	assert.Equal(t, []string{"onvif", "rtsp", "profile-streaming", "profile-t"}, caps)

	assert.Equal(t, []string{"onvif", "rtsp"}, scopeCapabilities(""))
}

func TestScanDeadline(t *testing.T) {
	t.Parallel()

	now := time.Now()

	d := scanDeadline(context.Background(), 5*time.Second)
	assert.WithinDuration(t, now.Add(5*time.Second), d, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d = scanDeadline(ctx, 5*time.Second)
	assert.WithinDuration(t, now.Add(time.Second), d, time.Second/2)
}
