package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/siiimooon/polar-osc/pkg/h10"
)

// SampleSender transmits one heart rate sample.
type SampleSender interface {
	SendSample(bpm uint8) error
}

// Forwarder relays every sample it receives to a SampleSender. A failed send
// is logged and counted; it never stops the event loop.
type Forwarder struct {
	sender  SampleSender
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewForwarder returns a Forwarder. A nil metrics discards counts.
func NewForwarder(sender SampleSender, log logrus.FieldLogger, metrics *Metrics) *Forwarder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Forwarder{sender: sender, log: log, metrics: metrics}
}

// HeartRateUpdate implements h10.EventHandler.
func (f *Forwarder) HeartRateUpdate(measurement h10.HeartRateMeasurement) {
	bpm := measurement.BPM()
	f.metrics.LastBPM.Set(float64(bpm))

	if err := f.sender.SendSample(bpm); err != nil {
		f.metrics.SendFailures.Inc()
		f.log.WithError(err).WithField("bpm", bpm).Warn("Could not send heart rate")
		return
	}
	f.metrics.SamplesForwarded.Inc()
	f.log.Infof("Heart rate: %d", bpm)
}
