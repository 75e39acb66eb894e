package relay

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// listen opens a loopback UDP socket standing in for the OSC receiver.
func listen(t *testing.T) (*net.UDPConn, Endpoint) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ep, err := ParseEndpoint(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("parse listener address: %v", err)
	}
	return conn, ep
}

func loopback(t *testing.T) Endpoint {
	t.Helper()
	ep, err := ParseEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

type received struct {
	msg  *osc.Message
	from *net.UDPAddr
}

// readMessage reads one datagram and decodes it as an OSC message.
func readMessage(t *testing.T, conn *net.UDPConn) received {
	t.Helper()
	buf := make([]byte, 1024)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	packet, err := osc.ParsePacket(string(buf[:n]))
	if err != nil {
		t.Fatalf("parse osc packet: %v", err)
	}
	msg, ok := packet.(*osc.Message)
	if !ok {
		t.Fatalf("packet is %T, want *osc.Message", packet)
	}
	return received{msg: msg, from: from}
}

// expectSilence fails if a datagram arrives within wait.
func expectSilence(t *testing.T, conn *net.UDPConn, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("unexpected datagram of %d bytes", n)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("read: %v", err)
	}
}

func assertSample(t *testing.T, msg *osc.Message, want int32) {
	t.Helper()
	if msg.Address != Address {
		t.Errorf("address = %q, want %q", msg.Address, Address)
	}
	if len(msg.Arguments) != 1 {
		t.Fatalf("got %d arguments, want 1", len(msg.Arguments))
	}
	got, ok := msg.Arguments[0].(int32)
	if !ok {
		t.Fatalf("argument is %T, want int32", msg.Arguments[0])
	}
	if got != want {
		t.Errorf("argument = %d, want %d", got, want)
	}
}

func assertMarker(t *testing.T, msg *osc.Message) {
	t.Helper()
	if msg.Address != Address {
		t.Errorf("address = %q, want %q", msg.Address, Address)
	}
	if len(msg.Arguments) != 0 {
		t.Errorf("marker carries %d arguments, want 0", len(msg.Arguments))
	}
}
