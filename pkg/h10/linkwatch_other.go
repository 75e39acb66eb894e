//go:build !linux || baremetal

package h10

// watchLinkLoss is a no-op where the stack reports disconnects through the
// adapter connect handler (darwin, nrf). Windows has no signal at all; there
// the event loop ends only on cancellation.
func watchLinkLoss(address string, onLost func()) (func(), error) {
	return func() {}, nil
}
