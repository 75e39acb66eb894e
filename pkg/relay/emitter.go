package relay

import (
	"fmt"
	"net"

	"github.com/hypebeast/go-osc/osc"
)

// Address is the OSC address every message is sent to.
const Address = "/heartrate"

// Emitter sends OSC messages from one bound UDP socket to a fixed destination.
type Emitter struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewEmitter binds a UDP socket on local. Messages go to remote.
func NewEmitter(local, remote Endpoint) (*Emitter, error) {
	conn, err := net.ListenUDP("udp4", local.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	return &Emitter{conn: conn, remote: remote.UDPAddr()}, nil
}

// SendMarker sends the zero-argument readiness message.
func (e *Emitter) SendMarker() error {
	return e.send(osc.NewMessage(Address))
}

// SendSample sends bpm as a single int32 argument.
func (e *Emitter) SendSample(bpm uint8) error {
	return e.send(osc.NewMessage(Address, int32(bpm)))
}

func (e *Emitter) send(msg *osc.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Address, err)
	}
	if _, err := e.conn.WriteToUDP(data, e.remote); err != nil {
		return fmt.Errorf("send to %s: %w", e.remote, err)
	}
	return nil
}

// LocalAddr returns the address the socket is bound to.
func (e *Emitter) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// RemoteAddr returns the destination of every message.
func (e *Emitter) RemoteAddr() *net.UDPAddr {
	return e.remote
}

func (e *Emitter) Close() error {
	return e.conn.Close()
}
