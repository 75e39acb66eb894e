package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/siiimooon/polar-osc/pkg/h10"
)

// ErrConnectAttemptsExhausted is returned when RetryPolicy.MaxAttempts is hit.
var ErrConnectAttemptsExhausted = errors.New("connect attempts exhausted")

// Sensor is the part of h10.Session the bridge drives.
type Sensor interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Subscribe(kind h10.StreamKind) error
	EventLoop(ctx context.Context, handler h10.EventHandler) error
}

// Sender is the part of Emitter the bridge drives.
type Sender interface {
	SampleSender
	SendMarker() error
}

// Bridge connects a Sensor to a Sender: connect, announce, subscribe, stream.
type Bridge struct {
	sensor  Sensor
	sender  Sender
	policy  RetryPolicy
	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(b *Bridge) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(b *Bridge) {
		b.policy = policy
	}
}

func NewBridge(sensor Sensor, sender Sender, opts ...Option) *Bridge {
	b := &Bridge{
		sensor: sensor,
		sender: sender,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return b
}

// Run blocks until the stream ends and returns why. h10.ErrNoAdapter is
// returned before anything is sent. A failed marker send is fatal; a failed
// subscription is only logged.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.connect(ctx); err != nil {
		return err
	}

	if err := b.sender.SendMarker(); err != nil {
		return fmt.Errorf("send marker: %w", err)
	}

	if err := b.sensor.Subscribe(h10.HeartRate); err != nil {
		b.log.WithError(err).Warn("Could not subscribe to heart rate notifications")
	}

	return b.sensor.EventLoop(ctx, NewForwarder(b.sender, b.log, b.metrics))
}

func (b *Bridge) connect(ctx context.Context) error {
	backoff := b.policy.backoff()
	attempts := 0
	for !b.sensor.IsConnected() {
		attempts++
		b.metrics.ConnectAttempts.Inc()

		err := b.sensor.Connect(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, h10.ErrNoAdapter) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.WithError(err).WithField("attempt", attempts).Warn("Could not connect")
		if b.policy.exhausted(attempts) {
			return fmt.Errorf("%w after %d attempt(s): %v", ErrConnectAttemptsExhausted, attempts, err)
		}
		if err := backoff.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
