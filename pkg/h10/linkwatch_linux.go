//go:build linux && !baremetal

package h10

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezDeviceInterface = "org.bluez.Device1"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	propertiesChanged    = "PropertiesChanged"
)

// watchLinkLoss follows the BlueZ Device1 "Connected" property of address on
// the system bus. BlueZ does not reach the adapter connect handler, so this
// is the only disconnect signal on Linux.
func watchLinkLoss(address string, onLost func()) (func(), error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember(propertiesChanged),
		dbus.WithMatchArg(0, bluezDeviceInterface),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return nil, err
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	devicePath := bluezDevicePath(address)
	quit := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(quit)
			conn.RemoveSignal(signals)
			_ = conn.RemoveMatchSignal(match...)
		})
	}

	go func() {
		for {
			select {
			case <-quit:
				return
			case sig, ok := <-signals:
				if !ok {
					// no further signals can arrive; treat the link as gone
					onLost()
					return
				}
				if connected, changed := connectedChange(sig, devicePath); changed && !connected {
					onLost()
					return
				}
			}
		}
	}()
	return stop, nil
}

// bluezDevicePath is the object path suffix BlueZ uses for address,
// e.g. "/dev_AA_BB_CC_DD_EE_FF".
func bluezDevicePath(address string) string {
	return "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}

// connectedChange reports the new Connected value if sig is a
// PropertiesChanged signal for the device at devicePath that carries it.
func connectedChange(sig *dbus.Signal, devicePath string) (connected, changed bool) {
	if sig == nil || sig.Name != propertiesInterface+"."+propertiesChanged {
		return false, false
	}
	if !strings.HasSuffix(string(sig.Path), devicePath) || len(sig.Body) < 2 {
		return false, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDeviceInterface {
		return false, false
	}
	props, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	value, ok := props["Connected"]
	if !ok {
		return false, false
	}
	connected, ok = value.Value().(bool)
	return connected, ok
}
