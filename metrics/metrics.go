// Package metrics exposes the bench counters and sensor gauges in the
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leakbench/bench"
	"leakbench/types"
)

const namespace = "leakbench"

// Metrics implements bench.Observer on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	samples      prometheus.Counter
	retries      *prometheus.CounterVec
	faults       *prometheus.CounterVec
	saved        prometheus.Counter
	thermalTrips prometheus.Counter

	roomTemp       prometheus.Gauge
	supplyPressure prometheus.Gauge
	helium         prometheus.Gauge
	massFlow       prometheus.Gauge
	massFlowTemp   prometheus.Gauge
	thermalFault   prometheus.Gauge
	leakRate       prometheus.Gauge
}

var _ bench.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_total",
			Help: "Leak-rate samples recorded during measurements.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_retries_total",
			Help: "Device reads that were retried.",
		}, []string{"device"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_faults_total",
			Help: "Device operations that failed after all retries.",
		}, []string{"device"}),
		saved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "measurements_saved_total",
			Help: "Measurements written to the database.",
		}),
		thermalTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "thermal_trips_total",
			Help: "Times the mass flow temperature crossed the thermal limit.",
		}),
		roomTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "room_temperature_celsius",
			Help: "Room temperature reported by the pressure gauge.",
		}),
		supplyPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "helium_supply_pressure_bar",
			Help: "Helium bottle supply pressure.",
		}),
		helium: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "helium_concentration_percent",
			Help: "Helium concentration from the analyzer.",
		}),
		massFlow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mass_flow_sccm",
			Help: "Mass flow controller flow.",
		}),
		massFlowTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mass_flow_temperature_celsius",
			Help: "Gas temperature at the mass flow controller.",
		}),
		thermalFault: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "thermal_fault",
			Help: "1 while the thermal interlock is latched.",
		}),
		leakRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "leak_rate",
			Help: "Last leak rate read from the detector.",
		}),
	}
	m.reg.MustRegister(
		m.samples, m.retries, m.faults, m.saved, m.thermalTrips,
		m.roomTemp, m.supplyPressure, m.helium, m.massFlow, m.massFlowTemp, m.thermalFault, m.leakRate,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SampleRecorded(leakRate float64) {
	m.samples.Inc()
	m.leakRate.Set(leakRate)
}

func (m *Metrics) ReadRetried(role types.Role) { m.retries.WithLabelValues(role.Slug()).Inc() }

func (m *Metrics) DeviceFault(role types.Role) { m.faults.WithLabelValues(role.Slug()).Inc() }

func (m *Metrics) MeasurementSaved() { m.saved.Inc() }

func (m *Metrics) ThermalTrip() { m.thermalTrips.Inc() }

func (m *Metrics) LiveStatus(s types.LiveStatus) {
	m.roomTemp.Set(s.RoomTemperature)
	m.supplyPressure.Set(s.HeliumSupplyPressure)
	m.helium.Set(s.HeliumConcentration)
	m.massFlow.Set(s.MassFlowSccm)
	m.massFlowTemp.Set(s.MassFlowTemperature)
	if s.ThermalFault {
		m.thermalFault.Set(1)
	} else {
		m.thermalFault.Set(0)
	}
}
