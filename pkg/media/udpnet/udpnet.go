// Package udpnet is a real-socket UDP media over the host network stack.
// RX sockets join the endpoint's multicast group on the configured
// interface; TX sockets stamp outgoing packets with the transfer's DSCP.
// Sockets are non-blocking to fit the cooperative run loop.
package udpnet

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
)

// Media is one network interface. The zero value is not usable; construct
// with New.
type Media struct {
	ifi   *net.Interface
	alloc mem.Allocator
	mtu   int
	clock func() sched.TimePoint
}

// Option configures the media.
type Option func(*Media)

// WithMTU overrides the datagram payload budget (default 1408).
func WithMTU(mtu int) Option { return func(m *Media) { m.mtu = mtu } }

// New creates a media bound to the named interface ("" picks the system
// default route for multicast). Datagram buffers come from alloc; clock
// stamps reception timestamps.
func New(ifaceName string, alloc mem.Allocator, clock func() sched.TimePoint, opts ...Option) (*Media, error) {
	if alloc == nil {
		alloc = mem.Default()
	}
	if clock == nil {
		start := time.Now()
		clock = func() sched.TimePoint { return sched.TimePoint(time.Since(start).Microseconds()) }
	}
	m := &Media{alloc: alloc, mtu: 1408, clock: clock}
	if ifaceName != "" {
		ifi, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("udpnet: %w", err)
		}
		m.ifi = ifi
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func toUDPAddr(ep media.UDPEndpoint) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(byte(ep.IP>>24), byte(ep.IP>>16), byte(ep.IP>>8), byte(ep.IP)),
		Port: int(ep.Port),
	}
}

// MakeRxSocket opens a socket joined to the endpoint's multicast group.
func (m *Media) MakeRxSocket(ep media.UDPEndpoint) (media.RxSocket, error) {
	addr := toUDPAddr(ep)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("udpnet: listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(m.ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("udpnet: join %v: %w", addr.IP, err)
	}
	return &rxSocket{media: m, conn: conn, pc: pc, group: addr.IP}, nil
}

// MakeTxSocket opens an unbound socket for outgoing datagrams.
func (m *Media) MakeTxSocket() (media.TxSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("udpnet: tx socket: %w", err)
	}
	return &txSocket{media: m, conn: conn, pc: ipv4.NewPacketConn(conn)}, nil
}

type rxSocket struct {
	media *Media
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group net.IP
}

// Receive performs one non-blocking read. nil means no datagram is pending.
func (s *rxSocket) Receive() (*media.Datagram, error) {
	buf := s.media.alloc.Allocate(s.media.mtu + 64)
	if buf == nil {
		return nil, nil // treat exhaustion as backpressure; retry next run
	}
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.media.alloc.Deallocate(buf)
		return nil, err
	}
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		s.media.alloc.Deallocate(buf)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	alloc := s.media.alloc
	return &media.Datagram{
		Timestamp: s.media.clock(),
		Payload:   buf[:n],
		Release:   func() { alloc.Deallocate(buf) },
	}, nil
}

func (s *rxSocket) Close() error {
	_ = s.pc.LeaveGroup(s.media.ifi, &net.UDPAddr{IP: s.group})
	return s.conn.Close()
}

type txSocket struct {
	media *Media
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	dscp  int
}

func (s *txSocket) MTU() int { return s.media.mtu }

func (s *txSocket) Send(_ sched.TimePoint, dst media.UDPEndpoint, dscp uint8, fragments [][]byte) (bool, error) {
	if want := int(dscp) << 2; want != s.dscp {
		// TOS carries DSCP in its upper six bits.
		if err := s.pc.SetTOS(want); err == nil {
			s.dscp = want
		}
	}
	var payload []byte
	if len(fragments) == 1 {
		payload = fragments[0]
	} else {
		for _, f := range fragments {
			payload = append(payload, f...)
		}
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false, err
	}
	if _, err := s.conn.WriteToUDP(payload, toUDPAddr(dst)); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil // backpressure, retry later
		}
		return false, err
	}
	return true, nil
}

func (s *txSocket) Close() error { return s.conn.Close() }
