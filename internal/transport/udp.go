// Package transport implements the unreliable, unordered, connectionless
// datagram transport that the gossip engine uses to exchange short textual
// messages with peer endpoints.
package transport

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

// MaxDatagramSize bounds the size of a single gossip message. Messages larger
// than this are truncated on read; the wire protocol is expected to stay well
// under this limit (see §6 of the spec: "short textual messages ... under ~1 KB").
const MaxDatagramSize = 2048

// Datagram represents one inbound message along with the endpoint it arrived from.
type Datagram struct {
	Payload []byte
	From    string
}

// Socket is a connectionless UDP datagram socket bound to a local address.
// Send never blocks on delivery and never returns an error to protocol logic
// above it; the gossip layer compensates for lost datagrams via its own
// retransmission through the next heartbeat (§4.1).
type Socket struct {
	BindAddr string

	logger *zap.Logger
	conn   *net.UDPConn
}

// NewSocket creates a Socket bound to addr. The socket is not listening until Listen is called.
func NewSocket(addr string, logger *zap.Logger) *Socket {
	return &Socket{BindAddr: addr, logger: logger}
}

// Listen opens the underlying UDP socket for addr. It must be called before
// Receive or Send are used.
func (s *Socket) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address %q: %w", s.BindAddr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %q: %w", s.BindAddr, err)
	}
	s.conn = conn
	return nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Send writes payload to the given endpoint. Failures to send are logged and
// swallowed per §4.1 — the caller never learns whether the datagram arrived.
func (s *Socket) Send(endpoint string, payload []byte) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		s.logf("resolve peer endpoint failed", endpoint, err)
		return
	}

	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		s.logf("send datagram failed", endpoint, err)
		return
	}
}

// Receive blocks until a datagram arrives, or the socket is closed in which
// case it returns an error. It is meant to be called in a loop from a single
// reader goroutine.
func (s *Socket) Receive() (Datagram, error) {
	buf := make([]byte, MaxDatagramSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Payload: buf[:n], From: addr.String()}, nil
}

func (s *Socket) logf(msg, endpoint string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, zap.String("endpoint", endpoint), zap.Error(err))
}
