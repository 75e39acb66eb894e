package h10

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakePeripheral struct {
	mu         sync.Mutex
	callback   func([]byte)
	subErr     error
	done       chan struct{}
	once       sync.Once
	disconnect int
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{done: make(chan struct{})}
}

func (p *fakePeripheral) EnableNotifications(kind StreamKind, callback func([]byte)) error {
	if p.subErr != nil {
		return p.subErr
	}
	p.mu.Lock()
	p.callback = callback
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) notify(buf []byte) {
	p.mu.Lock()
	cb := p.callback
	p.mu.Unlock()
	cb(buf)
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.done }

func (p *fakePeripheral) Disconnect() error {
	p.disconnect++
	p.drop()
	return nil
}

func (p *fakePeripheral) drop() { p.once.Do(func() { close(p.done) }) }

type fakeAdapter struct {
	enableErr   error
	connectErrs []error
	peripheral  *fakePeripheral
	enables     int
	connects    int
}

func (a *fakeAdapter) Enable() error {
	a.enables++
	return a.enableErr
}

func (a *fakeAdapter) Connect(ctx context.Context, deviceID string) (Peripheral, error) {
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return nil, err
	}
	return a.peripheral, nil
}

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func TestSessionConnect(t *testing.T) {
	adapter := &fakeAdapter{
		connectErrs: []error{errors.New("le-connection-abort-by-local")},
		peripheral:  newFakePeripheral(),
	}
	s := NewSession(adapter, "AA:BB:CC:DD:EE:FF", WithLogger(quietLogger()))

	if s.State() != Disconnected || s.IsConnected() {
		t.Fatalf("new session state = %v", s.State())
	}
	if err := s.Connect(context.Background()); err == nil || errors.Is(err, ErrNoAdapter) {
		t.Fatalf("first Connect() error = %v, want retryable error", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state after failed connect = %v, want Disconnected", s.State())
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if !s.IsConnected() || s.State() != Connected {
		t.Errorf("state after connect = %v, want Connected", s.State())
	}
	if adapter.enables != 1 {
		t.Errorf("adapter enabled %d times, want 1", adapter.enables)
	}
}

func TestSessionConnectNoAdapter(t *testing.T) {
	adapter := &fakeAdapter{enableErr: errors.New("bluetooth: adapter hci0 does not exist")}
	s := NewSession(adapter, "dev", WithLogger(quietLogger()))

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect() error = %v, want ErrNoAdapter", err)
	}
	if s.State() != Terminated {
		t.Errorf("state = %v, want Terminated", s.State())
	}
	if adapter.connects != 0 {
		t.Errorf("adapter.Connect called %d times, want 0", adapter.connects)
	}
}

func TestSessionConnectNoAdapterFromConnect(t *testing.T) {
	adapter := &fakeAdapter{connectErrs: []error{ErrNoAdapter}}
	s := NewSession(adapter, "dev", WithLogger(quietLogger()))

	if err := s.Connect(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Connect() error = %v, want ErrNoAdapter", err)
	}
	if s.State() != Terminated {
		t.Errorf("state = %v, want Terminated", s.State())
	}
}

func TestSessionSubscribe(t *testing.T) {
	s := NewSession(&fakeAdapter{peripheral: newFakePeripheral()}, "dev", WithLogger(quietLogger()))

	if err := s.Subscribe(HeartRate); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe() before connect error = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(StreamKind(7)); !errors.Is(err, ErrUnsupportedStream) {
		t.Errorf("Subscribe(7) error = %v, want ErrUnsupportedStream", err)
	}
	if err := s.Subscribe(HeartRate); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if s.State() != Subscribed {
		t.Errorf("state = %v, want Subscribed", s.State())
	}
}

func TestSessionSubscribeFailureKeepsConnection(t *testing.T) {
	p := newFakePeripheral()
	p.subErr = errors.New("characteristic not found")
	s := NewSession(&fakeAdapter{peripheral: p}, "dev", WithLogger(quietLogger()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(HeartRate); err == nil {
		t.Fatal("expected subscribe error")
	}
	if s.State() != Connected {
		t.Errorf("state = %v, want Connected", s.State())
	}
}

func TestSessionEventLoopDeliversInOrder(t *testing.T) {
	p := newFakePeripheral()
	log, hook := test.NewNullLogger()
	s := NewSession(&fakeAdapter{peripheral: p}, "dev", WithLogger(log), WithStreamBuffer(8))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(HeartRate); err != nil {
		t.Fatal(err)
	}

	go func() {
		for _, bpm := range []byte{62, 63, 63, 90} {
			p.notify([]byte{0x00, bpm})
		}
		p.notify([]byte{0x00})
		p.notify([]byte{0x00, 91})
		p.drop()
	}()

	var got []int
	err := s.EventLoop(context.Background(), EventHandlerFunc(func(m HeartRateMeasurement) {
		got = append(got, m.GetHeartRate())
	}))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("EventLoop() error = %v, want ErrTransportClosed", err)
	}
	if want := []int{62, 63, 63, 90, 91}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
	if s.State() != Terminated {
		t.Errorf("state = %v, want Terminated", s.State())
	}
	if len(hook.AllEntries()) == 0 || hook.LastEntry() == nil {
		t.Fatal("expected malformed payload to be logged")
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning for the malformed payload")
	}
}

func TestSessionEventLoopCancel(t *testing.T) {
	s := NewSession(&fakeAdapter{peripheral: newFakePeripheral()}, "dev", WithLogger(quietLogger()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.EventLoop(ctx, EventHandlerFunc(func(HeartRateMeasurement) {}))
	}()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("EventLoop() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EventLoop did not return after cancel")
	}
}

func TestSessionEventLoopNotConnected(t *testing.T) {
	s := NewSession(&fakeAdapter{}, "dev", WithLogger(quietLogger()))
	err := s.EventLoop(context.Background(), EventHandlerFunc(func(HeartRateMeasurement) {}))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("EventLoop() error = %v, want ErrNotConnected", err)
	}
}

func TestSessionClose(t *testing.T) {
	p := newFakePeripheral()
	s := NewSession(&fakeAdapter{peripheral: p}, "dev", WithLogger(quietLogger()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if p.disconnect != 1 {
		t.Errorf("Disconnect called %d times, want 1", p.disconnect)
	}
	if s.State() != Terminated || s.IsConnected() {
		t.Errorf("state = %v, want Terminated", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrTransportClosed", err)
	}
}

func TestStateString(t *testing.T) {
	if Streaming.String() != "Streaming" {
		t.Errorf("Streaming.String() = %q", Streaming.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("State(42).String() = %q", State(42).String())
	}
}

func TestSessionLogsContactTransitions(t *testing.T) {
	p := newFakePeripheral()
	log, hook := test.NewNullLogger()
	s := NewSession(&fakeAdapter{peripheral: p}, "dev", WithLogger(log), WithStreamBuffer(8))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(HeartRate); err != nil {
		t.Fatal(err)
	}

	go func() {
		p.notify([]byte{0x06, 70}) // contact
		p.notify([]byte{0x04, 71}) // supported, no contact
		p.notify([]byte{0x04, 72})
		p.notify([]byte{0x06, 73})
		p.notify([]byte{0x00, 74}) // not supported
		p.drop()
	}()

	var delivered int
	err := s.EventLoop(context.Background(), EventHandlerFunc(func(HeartRateMeasurement) { delivered++ }))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("EventLoop() error = %v, want ErrTransportClosed", err)
	}
	if delivered != 5 {
		t.Errorf("delivered %d samples, want 5", delivered)
	}

	var got []string
	for _, e := range hook.AllEntries() {
		if e.Message == "Sensor lost skin contact" || e.Message == "Sensor skin contact restored" {
			got = append(got, e.Level.String()+": "+e.Message)
		}
	}
	want := []string{"warning: Sensor lost skin contact", "info: Sensor skin contact restored"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("contact log = %v, want %v", got, want)
	}
}
