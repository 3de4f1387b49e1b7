package can

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cyphal/pkg/crc"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

// recentTransferCacheSize bounds the per-port dedup cache used to suppress
// duplicates delivered over redundant media.
const recentTransferCacheSize = 64

type dedupKey struct {
	src transport.NodeID
	tid uint8
}

// rxState is the per-source reassembly machine: Idle (nil entry or no frags)
// -> Assembling -> delivered; sequencing violations drop the partial state.
type rxState struct {
	tid      uint8
	toggle   bool
	firstTS  sched.TimePoint
	frags    [][]byte
	stored   int        // bytes kept (bounded by extent + CRC tail)
	total    int        // bytes seen, including truncated ones
	crc      crc.CRC16
}

// stateKey locates reassembly state. Redundant media assemble
// independently (the frame sequencing of one media says nothing about
// another); the dedup cache collapses the completions.
type stateKey struct {
	src      transport.NodeID
	mediaIdx uint8
}

// rxPort holds the reassembly contract of one (kind, port): per-source,
// per-media state machines, the transfer-id timeout, and the
// recent-transfer dedup cache.
type rxPort struct {
	extent     int
	tidTimeout sched.Microsecond
	alloc      mem.Allocator
	book       []byte
	states     map[stateKey]*rxState
	recent     *lru.Cache[dedupKey, sched.TimePoint]
}

// sessionBookkeepingCost is the fixed charge for per-port state; it makes
// allocator exhaustion observable at session creation time and is refunded
// when the port closes.
const sessionBookkeepingCost = 64

func newRxPort(alloc mem.Allocator, extent int) (*rxPort, error) {
	book := alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "rx session state"}
	}
	recent, _ := lru.New[dedupKey, sched.TimePoint](recentTransferCacheSize)
	return &rxPort{
		extent:     extent,
		tidTimeout: transport.DefaultTransferIDTimeout,
		alloc:      alloc,
		book:       book,
		states:     make(map[stateKey]*rxState),
		recent:     recent,
	}, nil
}

// assembled is a completed transfer ready for session delivery.
type assembled struct {
	source     transport.NodeID
	transferID transport.TransferID
	priority   transport.Priority
	timestamp  sched.TimePoint
	payload    transport.Payload
}

func (p *rxPort) dropState(s *rxState, key stateKey) {
	for _, f := range s.frags {
		p.alloc.Deallocate(f)
	}
	delete(p.states, key)
}

// evictStale drops Assembling states whose first frame is older than the
// transfer-id timeout.
func (p *rxPort) evictStale(now sched.TimePoint) {
	for key, s := range p.states {
		if now.Sub(s.firstTS) > p.tidTimeout {
			p.dropState(s, key)
		}
	}
}

// accept feeds one frame into the port. frame holds payload bytes followed by
// the tail byte. Returns a completed transfer, or nil when more frames are
// needed or the frame was dropped.
func (p *rxPort) accept(id canID, frame []byte, ts sched.TimePoint, mediaIdx uint8) (*assembled, error) {
	if len(frame) == 0 {
		return nil, &transport.ProtocolError{What: "empty frame"}
	}
	t := parseTail(frame[len(frame)-1])
	payload := frame[:len(frame)-1]

	if id.anonymous && !(t.sot && t.eot) {
		return nil, &transport.ProtocolError{What: "multi-frame anonymous transfer"}
	}

	key := stateKey{src: id.source, mediaIdx: mediaIdx}
	if t.sot && t.eot {
		return p.acceptSingleFrame(id, t, payload, ts, key)
	}
	return p.acceptMultiFrame(id, t, payload, ts, key)
}

func (p *rxPort) acceptSingleFrame(id canID, t tail, payload []byte, ts sched.TimePoint, key stateKey) (*assembled, error) {
	if !t.toggle {
		return nil, &transport.ProtocolError{What: "single frame with cleared toggle"}
	}
	// A single frame supersedes any partial state from the same source.
	if s, ok := p.states[key]; ok {
		p.dropState(s, key)
	}
	if p.isDuplicate(id.source, t.transferID, ts) {
		return nil, nil
	}
	n := len(payload)
	if n > p.extent {
		n = p.extent
	}
	buf := p.alloc.Allocate(n)
	if buf == nil {
		return nil, &transport.MemoryError{What: "rx payload"}
	}
	copy(buf, payload[:n])
	return p.deliver(id, t.transferID, ts, [][]byte{buf}), nil
}

func (p *rxPort) acceptMultiFrame(id canID, t tail, payload []byte, ts sched.TimePoint, key stateKey) (*assembled, error) {
	s, active := p.states[key]

	if t.sot {
		if !t.toggle {
			return nil, &transport.ProtocolError{What: "start frame with cleared toggle"}
		}
		if p.isDuplicate(id.source, t.transferID, ts) {
			return nil, nil
		}
		if active {
			// A new transfer interrupts the previous partial one.
			p.dropState(s, key)
		}
		s = &rxState{tid: t.transferID, toggle: true, firstTS: ts, crc: crc.NewCRC16()}
		p.states[key] = s
	} else {
		if !active || s.tid != t.transferID {
			return nil, &transport.ProtocolError{What: "continuation without start"}
		}
		if t.toggle == s.toggle {
			p.dropState(s, key)
			return nil, &transport.ProtocolError{What: "toggle out of sequence"}
		}
		s.toggle = t.toggle
	}

	s.crc = s.crc.Update(payload)
	s.total += len(payload)

	// Store up to extent plus the CRC tail; the CRC still covers everything.
	keep := len(payload)
	if limit := p.extent + 2; s.stored+keep > limit {
		keep = limit - s.stored
	}
	if keep > 0 {
		buf := p.alloc.Allocate(keep)
		if buf == nil {
			p.dropState(s, key)
			return nil, &transport.MemoryError{What: "rx fragment"}
		}
		copy(buf, payload[:keep])
		s.frags = append(s.frags, buf)
		s.stored += keep
	}

	if !t.eot {
		return nil, nil
	}

	defer delete(p.states, key)
	if s.total < 2 || s.crc.Value() != 0 {
		for _, f := range s.frags {
			p.alloc.Deallocate(f)
		}
		return nil, &transport.ProtocolError{What: "transfer crc mismatch"}
	}
	frags := p.trimCRC(s)
	return p.deliver(id, t.transferID, s.firstTS, frags), nil
}

// trimCRC cuts the stored fragment chain down to min(total-2, extent) payload
// bytes, freeing buffers that become empty.
func (p *rxPort) trimCRC(s *rxState) [][]byte {
	want := s.total - 2
	if want > p.extent {
		want = p.extent
	}
	var out [][]byte
	for _, f := range s.frags {
		if want <= 0 {
			p.alloc.Deallocate(f)
			continue
		}
		if len(f) > want {
			// Keep the prefix; the full buffer is released with the payload.
			out = append(out, f[:want])
			want = 0
			continue
		}
		out = append(out, f)
		want -= len(f)
	}
	return out
}

func (p *rxPort) isDuplicate(src transport.NodeID, tid uint8, now sched.TimePoint) bool {
	if src == transport.NodeIDUnset {
		return false // anonymous transfers are not deduplicated
	}
	key := dedupKey{src: src, tid: tid}
	if at, ok := p.recent.Get(key); ok && now.Sub(at) <= p.tidTimeout {
		return true
	}
	return false
}

func (p *rxPort) deliver(id canID, tid uint8, firstTS sched.TimePoint, frags [][]byte) *assembled {
	if id.source != transport.NodeIDUnset {
		p.recent.Add(dedupKey{src: id.source, tid: tid}, firstTS)
	}
	// The delivered payload owns the fragment buffers.
	alloc := p.alloc
	owned := make([][]byte, len(frags))
	copy(owned, frags)
	release := func() {
		for _, f := range owned {
			alloc.Deallocate(f[:cap(f)])
		}
	}
	return &assembled{
		source:     id.source,
		transferID: transport.TransferID(tid),
		priority:   id.priority,
		timestamp:  firstTS,
		payload:    transport.NewPayload(frags, release),
	}
}

// close releases all partial state of the port.
func (p *rxPort) close() {
	for key, s := range p.states {
		p.dropState(s, key)
	}
	if p.book != nil {
		p.alloc.Deallocate(p.book)
		p.book = nil
	}
}
