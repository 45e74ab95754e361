package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/devices"
)

func TestMergeResultsPrecedence(t *testing.T) {
	t.Parallel()

	now := time.Now()

	perProto := map[string][]devices.Device{
		devices.SourceONVIF: {{
			Name:         "Bullet Cam",
			Domain:       devices.DomainNetwork,
			IP:           "192.168.1.64",
			Port:         80,
			Protocol:     devices.ProtocolONVIF,
			Capabilities: []string{"onvif", "rtsp"},
			Streams:      map[string]string{"onvif": "http://192.168.1.64/onvif/device_service"},
		}},
		devices.SourceMDNS: {{
			Name:         "front-door",
			Domain:       devices.DomainNetwork,
			IP:           "192.168.1.64",
			Port:         80,
			Protocol:     devices.ProtocolRTSP,
			Capabilities: []string{"mdns", "ptz"},
			Streams:      map[string]string{"rtsp": "rtsp://192.168.1.64:554/"},
		}},
	}

	merged := mergeResults([]string{devices.SourceONVIF, devices.SourceMDNS}, perProto, now)
	require.Len(t, merged, 1)

	d := merged[0]
	assert.Equal(t, "192.168.1.64:80", d.ID)
	assert.Equal(t, "Bullet Cam", d.Name)
	assert.Equal(t, devices.SourceONVIF, d.Source)
	assert.Equal(t, devices.ProtocolONVIF, d.Protocol)
	assert.Equal(t, []string{"mdns", "onvif", "ptz", "rtsp"}, d.Capabilities)
	assert.Equal(t, "http://192.168.1.64/onvif/device_service", d.Streams["onvif"])
	assert.Equal(t, "rtsp://192.168.1.64:554/", d.Streams["rtsp"])
	assert.Equal(t, now, d.LastSeen)
}

func TestMergeResultsDistinctDevices(t *testing.T) {
	t.Parallel()

	perProto := map[string][]devices.Device{
		devices.SourceONVIF: {{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.64",
			Port:   80,
		}},
		devices.SourceMDNS: {{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.70",
			Port:   554,
		}},
	}

	merged := mergeResults([]string{devices.SourceONVIF, devices.SourceMDNS}, perProto, time.Now())
	require.Len(t, merged, 2)

	assert.Equal(t, "192.168.1.64:80", merged[0].ID)
	assert.Equal(t, devices.SourceONVIF, merged[0].Source)
	assert.Equal(t, "192.168.1.70:554", merged[1].ID)
	assert.Equal(t, devices.SourceMDNS, merged[1].Source)
}

func TestMergeResultsFillsBlankFields(t *testing.T) {
	t.Parallel()

	perProto := map[string][]devices.Device{
		devices.SourceUPnP: {{
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.80",
			Port:   80,
		}},
		devices.SourceMDNS: {{
			Name:   "Office Cam",
			Domain: devices.DomainNetwork,
			IP:     "192.168.1.80",
			Port:   80,
		}},
	}

	merged := mergeResults([]string{devices.SourceUPnP, devices.SourceMDNS}, perProto, time.Now())
	require.Len(t, merged, 1)

	assert.Equal(t, "Office Cam", merged[0].Name)
	assert.Equal(t, devices.SourceUPnP, merged[0].Source)
}

func TestMergeResultsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, mergeResults(nil, nil, time.Now()))
}
