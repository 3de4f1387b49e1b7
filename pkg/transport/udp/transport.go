package udp

import (
	"go.uber.org/zap"

	"cyphal/pkg/crc"
	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
	"cyphal/pkg/transport/internal/txq"
)

// DefaultTxCapacity is the per-media TX queue bound when the caller passes 0.
const DefaultTxCapacity = 128

// frameMeta is the queued-frame addressing: destination endpoint and DSCP.
type frameMeta struct {
	dst  media.UDPEndpoint
	dscp uint8
}

type mediaEntry struct {
	index     uint8
	iface     media.UDPMedia
	queue     *txq.Queue[frameMeta]
	txSock    media.TxSocket
	svcRxSock media.RxSocket
}

func (m *mediaEntry) mtu() int {
	if m.txSock != nil {
		return m.txSock.MTU()
	}
	return DefaultMTU
}

// Transport is the Cyphal/UDP transport over a span of redundant media.
// All methods must be called from the executor thread.
type Transport struct {
	alloc   mem.Allocator
	medias  []*mediaEntry
	nodeID  transport.NodeID
	handler transport.TransientErrorHandler

	// The RPC dispatcher: request and response ports by service ID, armed
	// for reception once the local node ID (and thus the RPC endpoint) is
	// known.
	reqRx       map[transport.PortID]*svcRxSession
	resRx       map[transport.PortID]*svcRxSession
	svcEndpoint *media.UDPEndpoint

	msgRx map[transport.PortID]*msgRxSession

	// DSCPMap translates transfer priority to the IP DSCP field.
	DSCPMap [8]uint8

	closed bool
}

// New creates a UDP transport. Nil entries in mediaSpan are skipped; the
// media index reported in transient errors is the position in the original
// span. At least one non-nil media is required.
func New(alloc mem.Allocator, mediaSpan []media.UDPMedia, txCapacity int) (*Transport, error) {
	if alloc == nil {
		alloc = mem.Default()
	}
	if txCapacity <= 0 {
		txCapacity = DefaultTxCapacity
	}
	var entries []*mediaEntry
	for i, m := range mediaSpan {
		if m == nil {
			continue
		}
		entries = append(entries, &mediaEntry{
			index: uint8(i),
			iface: m,
			queue: txq.New[frameMeta](alloc, txCapacity),
		})
	}
	if len(entries) == 0 {
		return nil, &transport.ArgumentError{What: "no media"}
	}
	return &Transport{
		alloc:  alloc,
		medias: entries,
		nodeID: transport.NodeIDUnset,
		reqRx:  make(map[transport.PortID]*svcRxSession),
		resRx:  make(map[transport.PortID]*svcRxSession),
		msgRx:  make(map[transport.PortID]*msgRxSession),
	}, nil
}

// MARK: transport.Transport

func (t *Transport) LocalNodeID() (transport.NodeID, bool) {
	if t.nodeID == transport.NodeIDUnset {
		return transport.NodeIDUnset, false
	}
	return t.nodeID, true
}

// SetLocalNodeID assigns the node ID once and computes the RPC endpoint,
// arming service reception. RX sockets themselves are made lazily on the
// next run or session creation.
func (t *Transport) SetLocalNodeID(id transport.NodeID) error {
	if id > NodeIDMax {
		return &transport.ArgumentError{What: "node id out of range"}
	}
	if t.nodeID == id {
		return nil
	}
	if t.nodeID != transport.NodeIDUnset {
		return &transport.ArgumentError{What: "node id already set"}
	}
	t.nodeID = id
	ep := ServiceEndpoint(id)
	t.svcEndpoint = &ep
	return nil
}

func (t *Transport) ProtocolParams() transport.ProtocolParams {
	mtu := 0
	for _, m := range t.medias {
		if v := m.mtu(); mtu == 0 || v < mtu {
			mtu = v
		}
	}
	return transport.ProtocolParams{
		TransferIDModulo: 0, // 64-bit transfer IDs do not wrap in practice
		MTU:              mtu,
		MaxNodes:         NodeIDMax + 1,
	}
}

func (t *Transport) SetTransientErrorHandler(handler transport.TransientErrorHandler) {
	t.handler = handler
}

// Run pulls datagrams from every armed RX socket into the sessions, then
// drains the TX queues. Returns the first unhandled failure.
func (t *Transport) Run(now sched.TimePoint) error {
	if t.closed {
		return &transport.ArgumentError{What: "transport closed"}
	}
	if err := t.runReceive(now); err != nil {
		return err
	}
	return t.runTransmit(now)
}

// Close flushes all queued frames and releases every socket. Sessions
// outliving the transport become inert.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	for _, m := range t.medias {
		m.queue.Flush()
		if m.txSock != nil {
			_ = m.txSock.Close()
			m.txSock = nil
		}
		if m.svcRxSock != nil {
			_ = m.svcRxSock.Close()
			m.svcRxSock = nil
		}
	}
	// One deinit per tracked RX session.
	for _, s := range collectSessions(t.msgRx) {
		_ = s.Close()
	}
	for _, s := range collectSessions(t.reqRx) {
		_ = s.Close()
	}
	for _, s := range collectSessions(t.resRx) {
		_ = s.Close()
	}
	zap.L().Debug("udp transport closed", zap.Int("media", len(t.medias)))
	return nil
}

// collectSessions snapshots a session map so Close can mutate it while we
// iterate.
func collectSessions[S interface{ Close() error }](m map[transport.PortID]S) []S {
	out := make([]S, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// MARK: session factories

func (t *Transport) MakeMessageRxSession(params transport.MessageRxParams) (transport.MessageRxSession, error) {
	if params.SubjectID > SubjectIDMax {
		return nil, &transport.ArgumentError{What: "subject id out of range"}
	}
	if _, busy := t.msgRx[params.SubjectID]; busy {
		return nil, &transport.AlreadyExistsError{Port: params.SubjectID}
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "message rx session"}
	}
	s := &msgRxSession{
		t:      t,
		params: params,
		port:   newRxPort(params.ExtentBytes),
		book:   book,
		socks:  make([]media.RxSocket, len(t.medias)),
	}
	// Subject sockets do not depend on the node ID; make them now so media
	// failures surface at creation time.
	if err := s.ensureSockets(); err != nil {
		s.closeSockets()
		t.alloc.Deallocate(book)
		return nil, err
	}
	t.msgRx[params.SubjectID] = s
	return s, nil
}

func (t *Transport) MakeMessageTxSession(params transport.MessageTxParams) (transport.MessageTxSession, error) {
	if params.SubjectID > SubjectIDMax {
		return nil, &transport.ArgumentError{What: "subject id out of range"}
	}
	if err := t.ensureTxSockets(); err != nil {
		return nil, err
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "message tx session"}
	}
	return &msgTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout, book: book}, nil
}

func (t *Transport) MakeRequestRxSession(params transport.RequestRxParams) (transport.RequestRxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if _, busy := t.reqRx[params.ServiceID]; busy {
		return nil, &transport.AlreadyExistsError{Port: params.ServiceID}
	}
	if err := t.ensureSvcRxSockets(); err != nil {
		return nil, err
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "request rx session"}
	}
	s := &svcRxSession{t: t, port: newRxPort(params.ExtentBytes), book: book, req: &params}
	t.reqRx[params.ServiceID] = s
	return reqRxSession{s}, nil
}

func (t *Transport) MakeRequestTxSession(params transport.RequestTxParams) (transport.RequestTxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if params.ServerNodeID > NodeIDMax {
		return nil, &transport.ArgumentError{What: "server node id out of range"}
	}
	if err := t.ensureTxSockets(); err != nil {
		return nil, err
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "request tx session"}
	}
	return &reqTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout, book: book}, nil
}

func (t *Transport) MakeResponseRxSession(params transport.ResponseRxParams) (transport.ResponseRxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if params.ServerNodeID > NodeIDMax {
		return nil, &transport.ArgumentError{What: "server node id out of range"}
	}
	if _, busy := t.resRx[params.ServiceID]; busy {
		return nil, &transport.AlreadyExistsError{Port: params.ServiceID}
	}
	if err := t.ensureSvcRxSockets(); err != nil {
		return nil, err
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "response rx session"}
	}
	s := &svcRxSession{t: t, port: newRxPort(params.ExtentBytes), book: book, res: &params}
	t.resRx[params.ServiceID] = s
	return resRxSession{s}, nil
}

func (t *Transport) MakeResponseTxSession(params transport.ResponseTxParams) (transport.ResponseTxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if err := t.ensureTxSockets(); err != nil {
		return nil, err
	}
	book := t.alloc.Allocate(sessionBookkeepingCost)
	if book == nil {
		return nil, &transport.MemoryError{What: "response tx session"}
	}
	return &resTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout, book: book}, nil
}

const sessionBookkeepingCost = 64

// MARK: socket management

// ensureTxSockets makes the per-media TX sockets on first use.
func (t *Transport) ensureTxSockets() error {
	for _, m := range t.medias {
		if m.txSock != nil {
			continue
		}
		sock, err := m.iface.MakeTxSocket()
		if err != nil {
			if handled := t.transient(err, m, "tx.socket", m.iface); handled != nil {
				return handled
			}
			continue
		}
		m.txSock = sock
	}
	return nil
}

// ensureSvcRxSockets makes the per-media service RX sockets. A missing RPC
// endpoint means the local node ID is not set yet: nothing to receive, not
// an error.
func (t *Transport) ensureSvcRxSockets() error {
	if t.svcEndpoint == nil {
		return nil
	}
	for _, m := range t.medias {
		if m.svcRxSock != nil {
			continue
		}
		sock, err := m.iface.MakeRxSocket(*t.svcEndpoint)
		if err != nil {
			if handled := t.transient(err, m, "rx.socket", m.iface); handled != nil {
				return handled
			}
			continue
		}
		m.svcRxSock = sock
	}
	return nil
}

// MARK: send paths

func (t *Transport) sendMessage(subject transport.PortID, md transport.TransferMetadata, fragments [][]byte, timeout sched.Microsecond) error {
	src := t.nodeID // NodeIDUnset maps to the anonymous wire value below
	h := header{
		priority:   md.Priority,
		source:     src,
		dest:       nodeIDBroadcast,
		dataSpec:   messageDataSpec(subject),
		transferID: md.TransferID,
	}
	return t.enqueue(h, SubjectEndpoint(subject), md, fragments, timeout)
}

func (t *Transport) sendService(service transport.PortID, request bool, dst transport.NodeID, md transport.TransferMetadata, fragments [][]byte, timeout sched.Microsecond) error {
	if t.nodeID == transport.NodeIDUnset {
		return &transport.ArgumentError{What: "local node id not set"}
	}
	if dst > NodeIDMax {
		return &transport.ArgumentError{What: "destination node id out of range"}
	}
	h := header{
		priority:   md.Priority,
		source:     t.nodeID,
		dest:       dst,
		dataSpec:   serviceDataSpec(service, request),
		transferID: md.TransferID,
	}
	return t.enqueue(h, ServiceEndpoint(dst), md, fragments, timeout)
}

// enqueue serializes the transfer into datagrams per media MTU and queues
// them; the frame deadline is metadata.Timestamp + timeout.
func (t *Transport) enqueue(h header, dst media.UDPEndpoint, md transport.TransferMetadata, fragments [][]byte, timeout sched.Microsecond) error {
	if err := t.ensureTxSockets(); err != nil {
		return err
	}
	payload := flatten(fragments)
	sum := crc.Checksum32C(payload)
	stream := make([]byte, 0, len(payload)+transferCRCSize)
	stream = append(stream, payload...)
	stream = append(stream, byte(sum), byte(sum>>8), byte(sum>>16), byte(sum>>24))

	deadline := md.Timestamp.Add(timeout)
	meta := frameMeta{dst: dst, dscp: t.DSCPMap[md.Priority&7]}
	for _, m := range t.medias {
		chunk := m.mtu() - HeaderSize
		if chunk <= 0 {
			chunk = DefaultMTU - HeaderSize
		}
		xfer := m.queue.NextTransferSeq()
		index := uint32(0)
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			fh := h
			fh.frameIndex = index
			fh.eot = end == len(stream)
			frame := make([]byte, HeaderSize+end-off)
			fh.marshal(frame[:HeaderSize])
			copy(frame[HeaderSize:], stream[off:end])
			if err := m.queue.Push(deadline, md.Priority, xfer, meta, frame); err != nil {
				m.queue.DropTransfer(xfer)
				if handled := t.transient(err, m, "tx.enqueue", m.queue); handled != nil {
					return handled
				}
				break
			}
			index++
		}
	}
	return nil
}

// MARK: run internals

func (t *Transport) runReceive(now sched.TimePoint) error {
	t.evictStalePorts(now)
	if err := t.ensureSvcRxSockets(); err != nil {
		return err
	}
	for _, s := range t.msgRx {
		// Retry any subject socket whose creation was transiently suppressed.
		if err := s.ensureSockets(); err != nil {
			return err
		}
	}
	for i, m := range t.medias {
		if m.svcRxSock != nil {
			if err := t.drainSocket(m, m.svcRxSock, nil); err != nil {
				return err
			}
		}
		for _, s := range t.msgRx {
			sock := s.socks[i]
			if sock == nil {
				continue
			}
			if err := t.drainSocket(m, sock, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainSocket pulls every pending datagram. msgSession is non-nil for
// subject sockets; service datagrams route through the RPC dispatcher.
func (t *Transport) drainSocket(m *mediaEntry, sock media.RxSocket, msgSession *msgRxSession) error {
	for {
		dg, err := sock.Receive()
		if err != nil {
			if handled := t.transient(err, m, "rx.receive", sock); handled != nil {
				return handled
			}
			return nil
		}
		if dg == nil {
			return nil
		}
		if err := t.acceptDatagram(m, dg, msgSession); err != nil {
			if handled := t.transient(err, m, "rx.accept", sock); handled != nil {
				return handled
			}
		}
	}
}

func (t *Transport) acceptDatagram(m *mediaEntry, dg *media.Datagram, msgSession *msgRxSession) error {
	h, ok := parseHeader(dg.Payload)
	if !ok {
		if dg.Release != nil {
			dg.Release()
		}
		return nil // not a Cyphal frame
	}
	data := dg.Payload[HeaderSize:]
	release := dg.Release
	ts := dg.Timestamp

	if !h.isService() {
		s := msgSession
		if s == nil || h.portID() != s.params.SubjectID {
			if release != nil {
				release()
			}
			return nil
		}
		done, err := s.port.accept(h, data, release, ts, m.index)
		if err != nil || done == nil {
			return err
		}
		s.deliverMessage(done)
		return nil
	}

	// RPC dispatch: first to the port, then into its session delegate.
	if t.nodeID == transport.NodeIDUnset || h.dest != t.nodeID {
		if release != nil {
			release()
		}
		return nil
	}
	var s *svcRxSession
	if h.isRequest() {
		s = t.reqRx[h.portID()]
	} else {
		s = t.resRx[h.portID()]
	}
	if s == nil || !s.wants(h.source) {
		if release != nil {
			release()
		}
		return nil
	}
	done, err := s.port.accept(h, data, release, ts, m.index)
	if err != nil || done == nil {
		return err
	}
	s.deliverService(done)
	return nil
}

func (t *Transport) evictStalePorts(now sched.TimePoint) {
	for _, s := range t.msgRx {
		s.port.evictStale(now)
	}
	for _, s := range t.reqRx {
		s.port.evictStale(now)
	}
	for _, s := range t.resRx {
		s.port.evictStale(now)
	}
}

func (t *Transport) runTransmit(now sched.TimePoint) error {
	for _, m := range t.medias {
		// Retry a TX socket whose creation was transiently suppressed, but
		// only once there is traffic for it; sockets stay lazy otherwise.
		if m.txSock == nil && m.queue.Len() > 0 {
			if err := t.ensureTxSockets(); err != nil {
				return err
			}
			break
		}
	}
	for _, m := range t.medias {
		if m.txSock == nil {
			continue
		}
		for {
			f := m.queue.Peek()
			if f == nil {
				break
			}
			if f.Deadline <= now {
				m.queue.DropTransfer(f.TransferSeq)
				zap.L().Debug("tx transfer expired", zap.Uint8("media", m.index))
				continue
			}
			accepted, err := m.txSock.Send(f.Deadline, f.Meta.dst, f.Meta.dscp, [][]byte{f.Data})
			if err != nil {
				m.queue.DropTransfer(f.TransferSeq)
				if handled := t.transient(err, m, "tx.send", m.txSock); handled != nil {
					return handled
				}
				continue
			}
			if !accepted {
				break // socket backpressure; retry on the next run
			}
			m.queue.Pop()
		}
	}
	return nil
}

func (t *Transport) transient(err error, m *mediaEntry, op string, culprit any) error {
	report := &transport.TransientErrorReport{
		Failure:    err,
		MediaIndex: m.index,
		Culprit:    culprit,
		Operation:  op,
	}
	if t.handler == nil {
		return report
	}
	return t.handler(report)
}

// session detach hooks

func (t *Transport) dropMsgRx(subject transport.PortID) { delete(t.msgRx, subject) }
func (t *Transport) dropReqRx(service transport.PortID) { delete(t.reqRx, service) }
func (t *Transport) dropResRx(service transport.PortID) { delete(t.resRx, service) }

func flatten(fragments [][]byte) []byte {
	if len(fragments) == 1 {
		return fragments[0]
	}
	size := 0
	for _, f := range fragments {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}
