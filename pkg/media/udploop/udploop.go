// Package udploop is an in-process UDP media: datagrams sent to an endpoint
// are delivered to every RX socket bound to it within the same Bus. It backs
// tests and single-process demos the way a real network media would.
package udploop

import (
	"sync"

	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
)

// Bus is the shared in-memory "network" connecting Media instances.
type Bus struct {
	mu    sync.Mutex
	socks map[media.UDPEndpoint][]*rxSocket
	clock func() sched.TimePoint
}

// NewBus creates a bus stamping received datagrams with clock (zero time
// when nil).
func NewBus(clock func() sched.TimePoint) *Bus {
	if clock == nil {
		clock = func() sched.TimePoint { return 0 }
	}
	return &Bus{socks: make(map[media.UDPEndpoint][]*rxSocket), clock: clock}
}

// Media returns a media interface attached to the bus, allocating datagram
// buffers from alloc (Default() when nil).
func (b *Bus) Media(alloc mem.Allocator) media.UDPMedia {
	if alloc == nil {
		alloc = mem.Default()
	}
	return &loopMedia{bus: b, alloc: alloc}
}

type loopMedia struct {
	bus   *Bus
	alloc mem.Allocator
}

func (m *loopMedia) MakeRxSocket(ep media.UDPEndpoint) (media.RxSocket, error) {
	s := &rxSocket{media: m, ep: ep}
	b := m.bus
	b.mu.Lock()
	b.socks[ep] = append(b.socks[ep], s)
	b.mu.Unlock()
	return s, nil
}

func (m *loopMedia) MakeTxSocket() (media.TxSocket, error) {
	return &txSocket{media: m}, nil
}

type rxSocket struct {
	media   *loopMedia
	ep      media.UDPEndpoint
	mu      sync.Mutex
	pending []*media.Datagram
	closed  bool
}

func (s *rxSocket) Receive() (*media.Datagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	dg := s.pending[0]
	s.pending = s.pending[1:]
	return dg, nil
}

func (s *rxSocket) Close() error {
	b := s.media.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s.closed = true
	list := b.socks[s.ep]
	for i, other := range list {
		if other == s {
			b.socks[s.ep] = append(list[:i], list[i+1:]...)
			break
		}
	}
	// Drop anything still queued.
	s.mu.Lock()
	for _, dg := range s.pending {
		if dg.Release != nil {
			dg.Release()
		}
	}
	s.pending = nil
	s.mu.Unlock()
	return nil
}

type txSocket struct {
	media  *loopMedia
	closed bool
}

func (s *txSocket) MTU() int { return 1408 }

func (s *txSocket) Send(_ sched.TimePoint, dst media.UDPEndpoint, _ uint8, fragments [][]byte) (bool, error) {
	b := s.media.bus
	b.mu.Lock()
	targets := append([]*rxSocket(nil), b.socks[dst]...)
	now := b.clock()
	b.mu.Unlock()

	size := 0
	for _, f := range fragments {
		size += len(f)
	}
	for _, target := range targets {
		alloc := target.media.alloc
		buf := alloc.Allocate(size)
		if buf == nil {
			continue // receiver out of memory; datagram lost, like the real net
		}
		off := 0
		for _, f := range fragments {
			off += copy(buf[off:], f)
		}
		a := alloc
		bb := buf
		dg := &media.Datagram{Timestamp: now, Payload: buf, Release: func() { a.Deallocate(bb) }}
		target.mu.Lock()
		target.pending = append(target.pending, dg)
		target.mu.Unlock()
	}
	return true, nil
}

func (s *txSocket) Close() error {
	s.closed = true
	return nil
}
