package devices

// Domain separates locally attached devices from network-attached ones.
// It selects the scanner set, the bus topic family and the registry a
// device lives in.
type Domain string

const (
	DomainLocal   Domain = "local"
	DomainNetwork Domain = "network"
)

// DeviceType represents the media kind of a capture device.
type DeviceType string

const (
	DeviceTypeVideo DeviceType = "video"
	DeviceTypeAudio DeviceType = "audio"
)

// Status represents the reachability state of a device.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device source constants. Source is either "manual" or the name of the
// discovery protocol that produced the device.
const (
	SourceManual = "manual"
	SourceONVIF  = "onvif"
	SourceUPnP   = "upnp"
	SourceMDNS   = "mdns"
	SourceV4L2   = "v4l2"
	SourceALSA   = "alsa"
)

// Transport protocol constants for network devices.
const (
	ProtocolRTSP  = "rtsp"
	ProtocolRTMP  = "rtmp"
	ProtocolHTTP  = "http"
	ProtocolONVIF = "onvif"
)

// Origin marks who last set a mutable field, so discovery never
// clobbers values the user configured by hand.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginDiscovery Origin = "discovery"
)

// Field names carrying an origin flag.
type Field string

const (
	FieldName         Field = "name"
	FieldAddress      Field = "address"
	FieldCredentials  Field = "credentials"
	FieldCapabilities Field = "capabilities"
	FieldStreams      Field = "streams"
)
