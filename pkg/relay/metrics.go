package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the bridge does. All collectors are registered on the
// registerer passed to NewMetrics.
type Metrics struct {
	ConnectAttempts  prometheus.Counter
	SamplesForwarded prometheus.Counter
	SendFailures     prometheus.Counter
	LastBPM          prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polar_osc_connect_attempts_total",
			Help: "Connection attempts made to the heart rate sensor.",
		}),
		SamplesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polar_osc_samples_forwarded_total",
			Help: "Heart rate samples sent as OSC messages.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polar_osc_send_failures_total",
			Help: "Heart rate samples that could not be sent.",
		}),
		LastBPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polar_osc_last_bpm",
			Help: "Most recent heart rate received from the sensor.",
		}),
	}
	reg.MustRegister(m.ConnectAttempts, m.SamplesForwarded, m.SendFailures, m.LastBPM)
	return m
}
