// Package metrics holds the prometheus collectors of the VMM. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "govmm"

// Metrics is the set of collectors shared by the components of one VMM
// process.
type Metrics struct {
	VcpuExits           *prometheus.CounterVec
	UnmappedAccesses    *prometheus.CounterVec
	VirtioNotifications *prometheus.CounterVec
	DeviceErrors        *prometheus.CounterVec
	MigrationBytes      prometheus.Counter
	MigrationDirtyPages prometheus.Gauge
	MigrationRounds     prometheus.Counter
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VcpuExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vcpu_exits_total",
			Help:      "vCPU exits by reason.",
		}, []string{"vcpu", "reason"}),
		UnmappedAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_unmapped_accesses_total",
			Help:      "Guest accesses that hit no device.",
		}, []string{"bus"}),
		VirtioNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "virtio_notifications_total",
			Help:      "Used buffer notifications raised by virtio devices.",
		}, []string{"device"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Device errors that moved a device to needs-reset or failed.",
		}, []string{"device"}),
		MigrationBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_bytes_total",
			Help:      "Bytes sent by outgoing live migrations.",
		}),
		MigrationDirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_dirty_pages",
			Help:      "Dirty pages found in the last pre-copy round.",
		}),
		MigrationRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_rounds_total",
			Help:      "Dirty page rounds sent by outgoing live migrations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.VcpuExits,
			m.UnmappedAccesses,
			m.VirtioNotifications,
			m.DeviceErrors,
			m.MigrationBytes,
			m.MigrationDirtyPages,
			m.MigrationRounds,
		)
	}

	return m
}

func (m *Metrics) VcpuExit(vcpu int, reason string) {
	if m == nil {
		return
	}

	m.VcpuExits.WithLabelValues(strconv.Itoa(vcpu), reason).Inc()
}

func (m *Metrics) UnmappedAccess(bus string) {
	if m == nil {
		return
	}

	m.UnmappedAccesses.WithLabelValues(bus).Inc()
}

func (m *Metrics) Notification(device string) {
	if m == nil {
		return
	}

	m.VirtioNotifications.WithLabelValues(device).Inc()
}

func (m *Metrics) DeviceError(device string) {
	if m == nil {
		return
	}

	m.DeviceErrors.WithLabelValues(device).Inc()
}

func (m *Metrics) MigrationSent(n int) {
	if m == nil {
		return
	}

	m.MigrationBytes.Add(float64(n))
}

func (m *Metrics) DirtyRound(pages int) {
	if m == nil {
		return
	}

	m.MigrationRounds.Inc()
	m.MigrationDirtyPages.Set(float64(pages))
}
