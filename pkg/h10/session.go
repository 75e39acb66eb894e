package h10

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoAdapter is returned when the host has no usable Bluetooth adapter.
	// It is permanent: retrying Connect will not help.
	ErrNoAdapter = errors.New("no bluetooth adapter found")
	// ErrNotConnected is returned by operations that need a connected peripheral.
	ErrNotConnected = errors.New("peripheral not connected")
	// ErrTransportClosed ends an event loop whose peripheral went away.
	ErrTransportClosed = errors.New("peripheral disconnected")
	// ErrUnsupportedStream is returned by Subscribe for unknown stream kinds.
	ErrUnsupportedStream = errors.New("unsupported notification stream")
)

const defaultStreamBuffer = 16

// Adapter is the host side of the BLE link.
type Adapter interface {
	// Enable powers up the host stack. A failure means no adapter is usable.
	Enable() error
	// Connect blocks until the peripheral named by deviceID is connected.
	Connect(ctx context.Context, deviceID string) (Peripheral, error)
}

// Peripheral is a connected BLE device.
type Peripheral interface {
	// EnableNotifications starts delivering raw payloads of the given stream
	// to callback. The callback may be invoked from another goroutine.
	EnableNotifications(kind StreamKind, callback func(buf []byte)) error
	// Disconnected is closed once the link is lost.
	Disconnected() <-chan struct{}
	Disconnect() error
}

// Session manages the connection to one heart rate peripheral.
type Session struct {
	adapter  Adapter
	deviceID string
	log      logrus.FieldLogger

	mu         sync.Mutex
	state      State
	enabled    bool
	peripheral Peripheral

	stream    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// owned by the event loop
	contactLost bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger used by the session.
func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStreamBuffer sets how many notifications may queue up between the BLE
// stack and the event loop. Values below 1 are ignored.
func WithStreamBuffer(size int) SessionOption {
	return func(s *Session) {
		if size > 0 {
			s.stream = make(chan []byte, size)
		}
	}
}

// NewSession creates a session for the peripheral identified by deviceID
// (an address or advertised name). Nothing is contacted until Connect.
func NewSession(adapter Adapter, deviceID string, opts ...SessionOption) *Session {
	s := &Session{
		adapter:  adapter,
		deviceID: deviceID,
		log:      logrus.StandardLogger(),
		state:    Disconnected,
		stream:   make(chan []byte, defaultStreamBuffer),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("device", deviceID)
	return s
}

// DeviceID returns the identifier the session was created with.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.log.WithField("from", s.state).WithField("to", state).Debug("Session state changed")
	s.state = state
}

// IsConnected reports whether a peripheral link is up. It never blocks on I/O.
func (s *Session) IsConnected() bool {
	switch s.State() {
	case Connected, Subscribed, Streaming:
		return true
	}
	return false
}

// Connect makes one connection attempt. ErrNoAdapter is terminal; any other
// error leaves the session Disconnected so the caller may try again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	if s.peripheral != nil {
		s.mu.Unlock()
		return nil
	}
	enabled := s.enabled
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	if !enabled {
		if err := s.adapter.Enable(); err != nil {
			s.setState(Terminated)
			if errors.Is(err, ErrNoAdapter) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrNoAdapter, err)
		}
		s.mu.Lock()
		s.enabled = true
		s.mu.Unlock()
	}

	peripheral, err := s.adapter.Connect(ctx, s.deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrNoAdapter) {
			s.setStateLocked(Terminated)
			return err
		}
		s.setStateLocked(Disconnected)
		return fmt.Errorf("connect to %s: %w", s.deviceID, err)
	}
	s.peripheral = peripheral
	s.setStateLocked(Connected)
	s.log.Info("Connected to sensor")
	return nil
}

// Subscribe asks the peripheral to start emitting notifications of kind.
func (s *Session) Subscribe(kind StreamKind) error {
	if kind != HeartRate {
		return fmt.Errorf("%w: %s", ErrUnsupportedStream, kind)
	}
	s.mu.Lock()
	peripheral := s.peripheral
	s.mu.Unlock()
	if peripheral == nil {
		return ErrNotConnected
	}

	err := peripheral.EnableNotifications(kind, func(buf []byte) {
		// the stack may reuse buf after we return
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case s.stream <- data:
		case <-s.closed:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s notifications: %w", kind, err)
	}
	s.mu.Lock()
	if s.state == Connected {
		s.setStateLocked(Subscribed)
	}
	s.mu.Unlock()
	return nil
}

// EventLoop blocks, handing each heart rate sample to handler in arrival
// order, until the peripheral disconnects (ErrTransportClosed) or ctx is
// cancelled (nil). The session is Terminated afterwards.
func (s *Session) EventLoop(ctx context.Context, handler EventHandler) error {
	s.mu.Lock()
	peripheral := s.peripheral
	if peripheral == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.setStateLocked(Streaming)
	s.mu.Unlock()
	defer s.setState(Terminated)

	for {
		select {
		case <-ctx.Done():
			return suppressCancellationError(ctx.Err())
		case <-peripheral.Disconnected():
			s.drain(handler)
			return ErrTransportClosed
		case raw := <-s.stream:
			s.dispatch(raw, handler)
		}
	}
}

// drain delivers notifications that were queued before the link dropped.
func (s *Session) drain(handler EventHandler) {
	for {
		select {
		case raw := <-s.stream:
			s.dispatch(raw, handler)
		default:
			return
		}
	}
}

func (s *Session) dispatch(raw []byte, handler EventHandler) {
	measurement, err := decodeHeartRateData(raw)
	if err != nil {
		s.log.WithError(err).Warn("Dropping malformed heart rate notification")
		return
	}
	s.trackContact(measurement)
	handler.HeartRateUpdate(measurement)
}

// trackContact logs skin contact transitions on sensors that report them.
func (s *Session) trackContact(measurement HeartRateMeasurement) {
	if !measurement.SensorContactSupported() {
		return
	}
	lost := !measurement.HasSensorContact()
	if lost == s.contactLost {
		return
	}
	s.contactLost = lost
	if lost {
		s.log.Warn("Sensor lost skin contact")
		return
	}
	s.log.Info("Sensor skin contact restored")
}

// Close disconnects the peripheral and releases any blocked notification
// callback. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		peripheral := s.peripheral
		s.peripheral = nil
		s.setStateLocked(Terminated)
		s.mu.Unlock()
		if peripheral != nil {
			err = peripheral.Disconnect()
		}
	})
	return err
}
