package h10

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

var errDeviceNotFound = errors.New("device not found while scanning")

// scanStopRetry is how often a pending stop request is retried while the
// stack has not started scanning yet.
const scanStopRetry = 20 * time.Millisecond

// linkWatcher calls onLost once the link to address drops. The returned stop
// function releases the watch and must be safe to call more than once.
type linkWatcher func(address string, onLost func()) (stop func(), err error)

// BluetoothAdapter implements Adapter on top of the host Bluetooth stack.
//
// Link loss is reported through the adapter connect handler where the stack
// calls it (darwin, nrf) and through watchLinkLoss where it does not (BlueZ).
type BluetoothAdapter struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	watch       linkWatcher

	mu    sync.Mutex
	links map[string]*bluetoothPeripheral
}

// NewBluetoothAdapter wraps adapter, typically bluetooth.DefaultAdapter.
// A positive scanTimeout bounds each scan; zero scans until found or cancelled.
func NewBluetoothAdapter(adapter *bluetooth.Adapter, scanTimeout time.Duration) *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     adapter,
		scanTimeout: scanTimeout,
		watch:       watchLinkLoss,
		links:       make(map[string]*bluetoothPeripheral),
	}
}

// Enable enables the BLE stack. Any failure is reported as ErrNoAdapter.
func (receiver *BluetoothAdapter) Enable() error {
	receiver.adapter.SetConnectHandler(receiver.onConnectionChange)
	if err := receiver.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}
	return nil
}

// Connect scans for deviceID and connects to the first match.
func (receiver *BluetoothAdapter) Connect(ctx context.Context, deviceID string) (Peripheral, error) {
	result, err := receiver.scan(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	device, err := receiver.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed at connecting to %s: %w", result.Address.String(), err)
	}

	link, err := receiver.track(device.Address.String(), device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	return link, nil
}

// track registers a connected device so a later link loss closes its
// Disconnected channel.
func (receiver *BluetoothAdapter) track(address string, device bluetooth.Device) (*bluetoothPeripheral, error) {
	link := &bluetoothPeripheral{
		device: device,
		done:   make(chan struct{}),
	}
	key := strings.ToUpper(address)
	receiver.mu.Lock()
	receiver.links[key] = link
	receiver.mu.Unlock()

	stop, err := receiver.watch(address, func() { receiver.linkLost(address) })
	if err != nil {
		receiver.mu.Lock()
		delete(receiver.links, key)
		receiver.mu.Unlock()
		return nil, fmt.Errorf("failed at watching link to %s: %w", address, err)
	}
	link.setUnwatch(stop)
	return link, nil
}

func (receiver *BluetoothAdapter) onConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	receiver.linkLost(device.Address.String())
}

func (receiver *BluetoothAdapter) linkLost(address string) {
	key := strings.ToUpper(address)
	receiver.mu.Lock()
	link, ok := receiver.links[key]
	delete(receiver.links, key)
	receiver.mu.Unlock()
	if ok {
		link.markDisconnected()
	}
}

// scan blocks until a matching advertisement is seen, ctx is done or the
// scan timeout elapses.
func (receiver *BluetoothAdapter) scan(ctx context.Context, deviceID string) (bluetooth.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return bluetooth.ScanResult{}, err
	}
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan struct{})
	defer close(scanDone)

	var timeout <-chan time.Time
	if receiver.scanTimeout > 0 {
		timer := time.NewTimer(receiver.scanTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	stopper := &scanStopper{stop: receiver.adapter.StopScan}
	go stopper.stopWhen(ctx, timeout, scanDone, scanStopRetry)

	err := receiver.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !matchesDevice(result.Address.String(), result.LocalName(), deviceID) {
			return
		}
		select {
		case found <- result:
			_ = stopper.Stop()
		default:
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("failed at scanning: %w", err)
	}

	select {
	case result := <-found:
		return result, nil
	default:
	}
	if ctx.Err() != nil {
		return bluetooth.ScanResult{}, ctx.Err()
	}
	return bluetooth.ScanResult{}, fmt.Errorf("%w: %s", errDeviceNotFound, deviceID)
}

// scanStopper serializes StopScan calls. The stack keeps its scan state
// unsynchronized, and StopScan fails until Scan has actually started.
type scanStopper struct {
	stop func() error

	mu      sync.Mutex
	stopped bool
}

// Stop stops the scan once; later calls are no-ops.
func (receiver *scanStopper) Stop() error {
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if receiver.stopped {
		return nil
	}
	if err := receiver.stop(); err != nil {
		return err
	}
	receiver.stopped = true
	return nil
}

// stopWhen waits for ctx or timeout and then stops the scan, retrying every
// retry interval until the stop succeeds or the scan has returned.
func (receiver *scanStopper) stopWhen(ctx context.Context, timeout <-chan time.Time, scanDone <-chan struct{}, retry time.Duration) {
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-scanDone:
		return
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for receiver.Stop() != nil {
		select {
		case <-scanDone:
			return
		case <-ticker.C:
		}
	}
}

// matchesDevice accepts an exact (case-insensitive) address match or an
// advertised name containing deviceID.
func matchesDevice(address, localName, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	if strings.EqualFold(address, deviceID) {
		return true
	}
	return localName != "" && strings.Contains(localName, deviceID)
}

type bluetoothPeripheral struct {
	device bluetooth.Device
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	unwatch func()
}

// setUnwatch stores the watch release; a link lost before this point is
// released right away.
func (receiver *bluetoothPeripheral) setUnwatch(stop func()) {
	receiver.mu.Lock()
	receiver.unwatch = stop
	receiver.mu.Unlock()
	select {
	case <-receiver.done:
		stop()
	default:
	}
}

func (receiver *bluetoothPeripheral) EnableNotifications(kind StreamKind, callback func(buf []byte)) error {
	if kind != HeartRate {
		return fmt.Errorf("%w: %s", ErrUnsupportedStream, kind)
	}
	characteristic, err := receiver.retrieveDeviceCharacteristic(bluetooth.ServiceUUIDHeartRate, bluetooth.CharacteristicUUIDHeartRateMeasurement)
	if err != nil {
		return fmt.Errorf("failed to retrieve device characteristic: %w", err)
	}
	return characteristic.EnableNotifications(callback)
}

func (receiver *bluetoothPeripheral) Disconnected() <-chan struct{} {
	return receiver.done
}

func (receiver *bluetoothPeripheral) Disconnect() error {
	err := receiver.device.Disconnect()
	receiver.markDisconnected()
	return err
}

func (receiver *bluetoothPeripheral) markDisconnected() {
	receiver.once.Do(func() {
		close(receiver.done)
		receiver.mu.Lock()
		unwatch := receiver.unwatch
		receiver.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
	})
}

// retrieveDeviceCharacteristic retrieves a device characteristic from a service.
func (receiver *bluetoothPeripheral) retrieveDeviceCharacteristic(service, characteristic bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	services, err := receiver.device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed at discovering service %s: %w", service.String(), err)
	}
	for _, service := range services {
		characteristics, err := service.DiscoverCharacteristics([]bluetooth.UUID{characteristic})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed at discovering device characteristic %s: %w", characteristic.String(), err)
		}
		for _, characteristic := range characteristics {
			return characteristic, nil
		}
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("device characteristic not found")
}
