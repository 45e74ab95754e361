//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	ScanCyclesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "discovery_scan_cycles_total",
			Help: "Completed discovery cycles by device domain (Counter).",
		},
		[]string{"service", "domain"},
	)
	ScanFailuresTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "discovery_scan_failures_total",
			Help: "Scanner failures by protocol (Counter). A failed scanner never aborts the cycle.",
		},
		[]string{"service", "protocol"},
	)
	ScanDevicesFound = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "discovery_devices_found",
			Help: "Devices reported by the last completed cycle, by domain and protocol (Gauge).",
		},
		[]string{"service", "domain", "protocol"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Ops HTTP requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)

	DevicesRegistered = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "registry_devices",
			Help: "Devices currently registered, by domain and status (Gauge).",
		},
		[]string{"service", "domain", "status"},
	)
	DeviceRemovalsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "registry_device_removals_total",
			Help: "Device removals by reason (Counter). reason=manual|vanished.",
		},
		[]string{"service", "reason"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)

	ScanDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "discovery_scan_duration_seconds",
		Help:    "Wall time of one full discovery cycle in seconds (Histogram).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	}, []string{"service", "domain"})
	ProbeDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "monitor_probe_duration_seconds",
		Help:    "Health probe duration in seconds (Histogram).",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
	}, []string{"service", "domain"})

	// ProbesTotal is labeled per probe outcome.
	ProbesTotal = promauto.NewCounterVec(prom.CounterOpts{
		Name: "monitor_probes_total",
		Help: "Health probes by outcome (Counter). outcome=success|failure|timeout.",
	}, []string{"service", "outcome"})
	StateTransitionsTotal = promauto.NewCounterVec(prom.CounterOpts{
		Name: "monitor_state_transitions_total",
		Help: "Debounced device status transitions by target state (Counter).",
	}, []string{"service", "to"})

	// BusPublishedTotal contains event bus metrics.
	BusPublishedTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bus_published_total",
			Help: "Messages published, by namespace (event|command).",
		},
		[]string{"service", "namespace"},
	)
	BusDeliveredTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bus_delivered_total",
			Help: "Messages delivered to subscribers.",
		},
		[]string{"service"},
	)
	BusHandlerErrorsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bus_handler_errors_total",
			Help: "Subscriber and command handler failures.",
		},
		[]string{"service"},
	)
	BusUnhandledCommandsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bus_unhandled_commands_total",
			Help: "Commands published with no registered handler.",
		},
		[]string{"service"},
	)
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: avhub).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return "avhub"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

// RecordScanCycle records one completed discovery cycle for a domain.
func RecordScanCycle(domain string, sec float64) {
	ScanCyclesTotal.WithLabelValues(Service(), domain).Inc()
	ScanDuration.WithLabelValues(Service(), domain).Observe(sec)
}

// RecordScanFailure increments the failure counter for a protocol.
func RecordScanFailure(protocol string) {
	if protocol == "" {
		protocol = "unknown"
	}

	ScanFailuresTotal.WithLabelValues(Service(), protocol).Inc()
}

// SetScanFound sets the last-cycle device count for one domain/protocol pair.
func SetScanFound(domain, protocol string, n int) {
	ScanDevicesFound.WithLabelValues(Service(), domain, protocol).Set(float64(n))
}

// SetDeviceCount sets the registered-devices gauge for one domain/status pair.
func SetDeviceCount(domain, status string, n int) {
	DevicesRegistered.WithLabelValues(Service(), domain, status).Set(float64(n))
}

// RecordRemoval increments device removals by reason.
func RecordRemoval(reason string) {
	if reason == "" {
		reason = "manual"
	}

	DeviceRemovalsTotal.WithLabelValues(Service(), reason).Inc()
}

// RecordProbe records one health probe by outcome.
func RecordProbe(domain, outcome string, sec float64) {
	ProbesTotal.WithLabelValues(Service(), outcome).Inc()
	ProbeDuration.WithLabelValues(Service(), domain).Observe(sec)
}

// RecordTransition increments debounced status transitions.
func RecordTransition(to string) {
	StateTransitionsTotal.WithLabelValues(Service(), to).Inc()
}

// RecordBusPublished increments published messages for a namespace.
func RecordBusPublished(namespace string) {
	BusPublishedTotal.WithLabelValues(Service(), namespace).Inc()

	if namespace == "event" {
		recordEventTick()
	}
}

// RecordBusDelivered increments delivered messages.
func RecordBusDelivered() {
	BusDeliveredTotal.WithLabelValues(Service()).Inc()
}

// RecordBusHandlerError increments isolated handler failures.
func RecordBusHandlerError() {
	BusHandlerErrorsTotal.WithLabelValues(Service()).Inc()
}

// RecordBusUnhandledCommand increments commands nobody handled.
func RecordBusUnhandledCommand() {
	BusUnhandledCommandsTotal.WithLabelValues(Service()).Inc()
}

// Simple in-memory events-per-second ring (per process).
const epsWindow = 60

var (
	epsEvents  [epsWindow]uint64
	epsIndex   int64 // atomic
	epsTickSet int32
)

// StartRateTicker starts a background ticker that advances the ring each second.
func StartRateTicker() {
	if !atomic.CompareAndSwapInt32(&epsTickSet, 0, 1) {
		return
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		for range t.C {
			i := int(atomic.AddInt64(&epsIndex, 1) % epsWindow)
			atomic.StoreUint64(&epsEvents[i], 0)
		}
	}()
}

func recordEventTick() {
	i := int(atomic.LoadInt64(&epsIndex) % epsWindow)
	atomic.AddUint64(&epsEvents[i], 1)
}

func snapshotEPS() uint64 {
	var events uint64
	for i := 0; i < epsWindow; i++ {
		events += atomic.LoadUint64(&epsEvents[i])
	}

	return events
}

// RecordHTTP increments ops HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// metrics server is provided by opshttp; no separate server here

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }

// Stats represents a lightweight analytics snapshot for the ops UI.
type Stats struct {
	ScanCyclesTotal    float64 `json:"scan_cycles_total"`
	ScanFailuresTotal  float64 `json:"scan_failures_total"`
	ScanAvgSeconds     float64 `json:"scan_avg_seconds"`
	DevicesTotal       float64 `json:"devices_total"`
	DevicesOnline      float64 `json:"devices_online"`
	ProbeFailuresTotal float64 `json:"probe_failures_total"`
	TransitionsTotal   float64 `json:"transitions_total"`
	BusPublishedTotal  float64 `json:"bus_published_total"`
	BusDeliveredTotal  float64 `json:"bus_delivered_total"`
	HandlerErrorsTotal float64 `json:"handler_errors_total"`
	EventsPerSecond    float64 `json:"events_per_second"`
	ServiceReady       float64 `json:"service_ready"`
}

// GatherStats collects basic stats from the default registry for a given service label.
//
//nolint:gocyclo // Complex metric gathering logic with many conditional branches
func GatherStats(service string) (Stats, error) { //nolint:gocognit,cyclop,funlen
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return Stats{}, err
	}

	var (
		s                  Stats
		scanSum, scanCount float64
	)

	withService := func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "service" && lp.GetValue() == service {
				return true
			}
		}

		return false
	}

	labelValue := func(m *dto.Metric, name string) string {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name {
				return lp.GetValue()
			}
		}

		return ""
	}

	for _, mf := range mfs {
		name := mf.GetName()
		switch name {
		case "discovery_scan_cycles_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ScanCyclesTotal += m.GetCounter().GetValue()
				}
			}
		case "discovery_scan_failures_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ScanFailuresTotal += m.GetCounter().GetValue()
				}
			}
		case "discovery_scan_duration_seconds":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					h := m.GetHistogram()
					scanSum += h.GetSampleSum()
					scanCount += float64(h.GetSampleCount())
				}
			}
		case "registry_devices":
			for _, m := range mf.GetMetric() {
				if !withService(m) {
					continue
				}

				v := m.GetGauge().GetValue()
				s.DevicesTotal += v

				if labelValue(m, "status") == "online" {
					s.DevicesOnline += v
				}
			}
		case "monitor_probes_total":
			for _, m := range mf.GetMetric() {
				if withService(m) && labelValue(m, "outcome") != "success" {
					s.ProbeFailuresTotal += m.GetCounter().GetValue()
				}
			}
		case "monitor_state_transitions_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.TransitionsTotal += m.GetCounter().GetValue()
				}
			}
		case "bus_published_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.BusPublishedTotal += m.GetCounter().GetValue()
				}
			}
		case "bus_delivered_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.BusDeliveredTotal += m.GetCounter().GetValue()
				}
			}
		case "bus_handler_errors_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.HandlerErrorsTotal += m.GetCounter().GetValue()
				}
			}
		case "service_ready":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ServiceReady = m.GetGauge().GetValue()
				}
			}
		}
	}

	if scanCount > 0 {
		s.ScanAvgSeconds = scanSum / scanCount
	}

	// derive event rate from ring
	s.EventsPerSecond = float64(snapshotEPS()) / float64(epsWindow)

	return s, nil
}
