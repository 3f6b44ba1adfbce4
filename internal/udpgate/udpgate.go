// Package udpgate owns the UDP socket the forwarder listens on
// (spec §4.2): it is bound directly or adopted from an
// already-open file descriptor handed down by a socket-activating
// supervisor (systemd-style fd 3), and it demultiplexes datagrams into
// (message, client address) pairs without ever touching DNS semantics.
package udpgate

import (
	"errors"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tedms/doh-forwarder/internal/dnsmsg"
)

// activationFD is the well-known descriptor a socket-activating
// supervisor hands the process, matching original_source's
// UdpListenSocket::Activation (fd 3 via FromRawFd).
const activationFD = 3

// maxDatagramSize bounds a single read; dnsmsg.Parse further rejects
// anything over dnsmsg.MaxSize, but the read buffer itself must be
// large enough to always capture a full UDP datagram without
// truncation so oversize datagrams are rejected by Parse rather than
// silently chopped by a short buffer.
const maxDatagramSize = 65535

// Datagram pairs a decoded message with the address it arrived from
// or should be sent to.
type Datagram struct {
	Msg  dnsmsg.Message
	Addr *net.UDPAddr
}

// Endpoint owns a single UDP socket and the goroutines that pump
// datagrams to and from it.
type Endpoint struct {
	conn net.PacketConn
	in   chan Datagram
	// send is the producer-facing side of the outbound sink, returned
	// by Outbound. out is the consumer-facing side writeLoop reads
	// from. queueLoop muxes the two through a heap-growing slice so
	// that a slow writeLoop never backs up onto a producer (spec §5).
	send chan Datagram
	out  chan Datagram
	done chan struct{}
}

// Listen binds a new UDP socket at addr.
func Listen(addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpgate: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udpgate: listen %q: %w", addr, err)
	}
	return newEndpoint(conn), nil
}

// Adopt adopts the UDP socket inherited at file descriptor 3 from a
// socket-activating supervisor, instead of binding a fresh one.
func Adopt() (*Endpoint, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(activationFD, &stat); err != nil {
		return nil, fmt.Errorf("udpgate: fstat fd %d: %w", activationFD, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return nil, fmt.Errorf("udpgate: fd %d is not a socket", activationFD)
	}
	f := os.NewFile(uintptr(activationFD), "udp-activation")
	conn, err := net.FilePacketConn(f)
	// FilePacketConn dup()s the descriptor; the original can be closed
	// either way, but we leave it open since it is owned by the
	// supervisor that passed it down.
	if err != nil {
		return nil, fmt.Errorf("udpgate: adopt fd %d: %w", activationFD, err)
	}
	return newEndpoint(conn), nil
}

func newEndpoint(conn net.PacketConn) *Endpoint {
	e := &Endpoint{
		conn: conn,
		in:   make(chan Datagram, 256),
		send: make(chan Datagram),
		out:  make(chan Datagram),
		done: make(chan struct{}),
	}
	go e.readLoop()
	go e.queueLoop()
	go e.writeLoop()
	return e
}

// Inbound yields one Datagram per accepted read. Datagrams that fail
// the decoder's acceptance predicate (parse failure, a response
// rather than a query, or QDCOUNT == 0) are dropped silently and never
// reach this channel (spec §4.1, §8 scenario S5).
func (e *Endpoint) Inbound() <-chan Datagram { return e.in }

// Outbound accepts (message, client address) pairs to be written back
// to the socket. It is genuinely unbounded (spec §5): queueLoop always
// stands ready to receive, so a send here never blocks on a slow or
// stalled writer, and nothing is ever dropped.
func (e *Endpoint) Outbound() chan<- Datagram { return e.send }

// queueLoop decouples producers from writeLoop with a slice that grows
// as needed, the standard way to turn a Go channel's fixed capacity
// into an effectively unbounded one: a send on send always has this
// select ready to receive it, and a pending datagram is only offered
// to out when one is queued.
func (e *Endpoint) queueLoop() {
	var queue []Datagram
	for {
		var out chan Datagram
		var next Datagram
		if len(queue) > 0 {
			out = e.out
			next = queue[0]
		}
		select {
		case d := <-e.send:
			queue = append(queue, d)
		case out <- next:
			queue = queue[1:]
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				close(e.in)
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				close(e.in)
				return
			}
			log.Warnf("[UDPGATE] read error: %v", err)
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			log.Warnf("[UDPGATE] unexpected address type %T", addr)
			continue
		}
		msg, err := dnsmsg.Parse(buf[:n])
		if err != nil {
			log.Debugf("[UDPGATE] dropped malformed datagram from %s: %v", udpAddr, err)
			continue
		}
		if !msg.IsQuery() {
			log.Debugf("[UDPGATE] dropped non-query datagram from %s", udpAddr)
			continue
		}
		select {
		case e.in <- Datagram{Msg: msg, Addr: udpAddr}:
		case <-e.done:
			close(e.in)
			return
		}
	}
}

func (e *Endpoint) writeLoop() {
	for {
		select {
		case d, ok := <-e.out:
			if !ok {
				return
			}
			if _, err := e.conn.WriteTo(d.Msg.Wire(), d.Addr); err != nil {
				log.Warnf("[UDPGATE] write to %s failed: %v", d.Addr, err)
			}
		case <-e.done:
			return
		}
	}
}

// Close shuts down the socket and stops the read/write goroutines.
func (e *Endpoint) Close() error {
	close(e.done)
	return e.conn.Close()
}
