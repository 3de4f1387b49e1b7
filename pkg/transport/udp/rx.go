package udp

import (
	"hash/crc32"

	lru "github.com/hashicorp/golang-lru/v2"

	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

const recentTransferCacheSize = 64

type dedupKey struct {
	src transport.NodeID
	tid transport.TransferID
}

// frag is one received frame's slice of the transfer payload together with
// the release hook of the datagram it came from. Ownership of the datagram
// buffer travels with the frag into the delivered payload.
type frag struct {
	data    []byte
	release func()
}

// rxState assembles one in-flight transfer from a single source. Frames must
// arrive in index order. A frame of another transfer, or one with no start
// seen, is dropped on its own; an index gap within the current transfer drops
// the whole partial transfer and is reported as a ProtocolError.
type rxState struct {
	tid       transport.TransferID
	nextIndex uint32
	firstTS   sched.TimePoint
	frags     []frag
	stored    int
	total     int
	crc       uint32 // running CRC-32C over everything seen, including truncated bytes
}

func (s *rxState) drop() {
	for _, f := range s.frags {
		if f.release != nil {
			f.release()
		}
	}
	s.frags = nil
}

// stateKey locates reassembly state. Each redundant media assembles
// independently; the dedup cache collapses the completions.
type stateKey struct {
	src      transport.NodeID
	mediaIdx uint8
}

// rxPort is the reassembly contract of one (kind, port): per-source,
// per-media state, the transfer-id timeout, and the recent-transfer dedup
// cache for redundant media.
type rxPort struct {
	extent     int
	tidTimeout sched.Microsecond
	states     map[stateKey]*rxState
	recent     *lru.Cache[dedupKey, sched.TimePoint]
}

func newRxPort(extent int) *rxPort {
	recent, _ := lru.New[dedupKey, sched.TimePoint](recentTransferCacheSize)
	return &rxPort{
		extent:     extent,
		tidTimeout: transport.DefaultTransferIDTimeout,
		states:     make(map[stateKey]*rxState),
		recent:     recent,
	}
}

type assembled struct {
	source     transport.NodeID
	transferID transport.TransferID
	priority   transport.Priority
	timestamp  sched.TimePoint
	payload    transport.Payload
}

func (p *rxPort) evictStale(now sched.TimePoint) {
	for key, s := range p.states {
		if now.Sub(s.firstTS) > p.tidTimeout {
			s.drop()
			delete(p.states, key)
		}
	}
}

// accept consumes one frame. data is the frame payload after the header; its
// ownership (via release) transfers to the port regardless of outcome.
func (p *rxPort) accept(h header, data []byte, release func(), ts sched.TimePoint, mediaIdx uint8) (*assembled, error) {
	free := func() {
		if release != nil {
			release()
		}
	}

	if p.isDuplicate(h.source, h.transferID, ts) {
		free()
		return nil, nil
	}

	key := stateKey{src: h.source, mediaIdx: mediaIdx}
	s, active := p.states[key]
	if h.frameIndex == 0 {
		if active {
			// A new start interrupts whatever was assembling on this media.
			s.drop()
		}
		s = &rxState{tid: h.transferID, firstTS: ts}
		p.states[key] = s
	} else {
		if !active || s.tid != h.transferID || s.nextIndex != h.frameIndex {
			free()
			if active && s.tid == h.transferID && s.nextIndex != h.frameIndex {
				s.drop()
				delete(p.states, key)
				return nil, &transport.ProtocolError{What: "frame out of order"}
			}
			return nil, nil
		}
	}
	s.nextIndex = h.frameIndex + 1

	s.crc = crc32.Update(s.crc, crc32cTable, data)
	s.total += len(data)

	// Store up to extent plus the transfer CRC; the CRC covers everything.
	keep := len(data)
	if limit := p.extent + transferCRCSize; s.stored+keep > limit {
		keep = limit - s.stored
	}
	if keep > 0 {
		s.frags = append(s.frags, frag{data: data[:keep], release: release})
		s.stored += keep
	} else {
		free()
	}

	if !h.eot {
		return nil, nil
	}

	delete(p.states, key)
	if s.total < transferCRCSize || s.crc != crc32cResidue {
		s.drop()
		return nil, &transport.ProtocolError{What: "transfer crc mismatch"}
	}
	return p.deliver(h, s), nil
}

func (p *rxPort) isDuplicate(src transport.NodeID, tid transport.TransferID, now sched.TimePoint) bool {
	key := dedupKey{src: src, tid: tid}
	if at, ok := p.recent.Get(key); ok && now.Sub(at) <= p.tidTimeout {
		return true
	}
	return false
}

func (p *rxPort) deliver(h header, s *rxState) *assembled {
	p.recent.Add(dedupKey{src: h.source, tid: h.transferID}, s.firstTS)

	// Trim the CRC tail (and over-extent bytes) off the fragment chain.
	want := s.total - transferCRCSize
	if want > p.extent {
		want = p.extent
	}
	var payloadFrags [][]byte
	kept := s.frags
	for i := range kept {
		f := &kept[i]
		if want <= 0 {
			break
		}
		if len(f.data) > want {
			payloadFrags = append(payloadFrags, f.data[:want])
			want = 0
			continue
		}
		payloadFrags = append(payloadFrags, f.data)
		want -= len(f.data)
	}
	release := func() {
		for _, f := range kept {
			if f.release != nil {
				f.release()
			}
		}
	}
	return &assembled{
		source:     h.source,
		transferID: h.transferID,
		priority:   h.priority,
		timestamp:  s.firstTS,
		payload:    transport.NewPayload(payloadFrags, release),
	}
}

func (p *rxPort) close() {
	for key, s := range p.states {
		s.drop()
		delete(p.states, key)
	}
}

// crc32cResidue is the CRC-32C value after folding a payload followed by its
// own little-endian CRC.
const crc32cResidue = 0x48674BC7

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)
