package can

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

// mediaEntry is the per-media slot: the interface, its TX queue and the
// stable index reported in transient error reports.
type mediaEntry struct {
	index  uint8
	iface  media.CANMedia
	queue  *txq.Queue[uint32] // meta is the 29-bit CAN ID
	popBuf []byte
}

// Transport is the Cyphal/CAN transport over a span of redundant media.
// All methods must be called from the executor thread.
type Transport struct {
	alloc   mem.Allocator
	medias  []*mediaEntry
	nodeID  transport.NodeID
	handler transport.TransientErrorHandler

	msgRx map[transport.PortID]*msgRxSession
	reqRx map[transport.PortID]*svcRxSession
	resRx map[transport.PortID]*svcRxSession

	closed bool
}

// New creates a CAN transport. Nil entries in mediaSpan are skipped; the
// media index reported in transient errors is the position in the original
// span. At least one non-nil media is required.
func New(alloc mem.Allocator, mediaSpan []media.CANMedia, txCapacity int) (*Transport, error) {
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
			index:  uint8(i),
			iface:  m,
			queue:  txq.New[uint32](alloc, txCapacity),
			popBuf: make([]byte, m.MTU()),
		})
	}
	if len(entries) == 0 {
		return nil, &transport.ArgumentError{What: "no media"}
	}
	return &Transport{
		alloc:  alloc,
		medias: entries,
		nodeID: transport.NodeIDUnset,
		msgRx:  make(map[transport.PortID]*msgRxSession),
		reqRx:  make(map[transport.PortID]*svcRxSession),
		resRx:  make(map[transport.PortID]*svcRxSession),
	}, nil
}

// MARK: transport.Transport

func (t *Transport) LocalNodeID() (transport.NodeID, bool) {
	if t.nodeID == transport.NodeIDUnset {
		return transport.NodeIDUnset, false
	}
	return t.nodeID, true
}

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
	t.reconfigureFilters()
	return nil
}

func (t *Transport) ProtocolParams() transport.ProtocolParams {
	mtu := 0
	for _, m := range t.medias {
		if v := m.iface.MTU(); mtu == 0 || v < mtu {
			mtu = v
		}
	}
	return transport.ProtocolParams{
		TransferIDModulo: TransferIDModulo,
		MTU:              mtu,
		MaxNodes:         NodeIDMax + 1,
	}
}

func (t *Transport) SetTransientErrorHandler(handler transport.TransientErrorHandler) {
	t.handler = handler
}

// Run pulls frames from each media into the RX sessions, then drains the TX
// queues. Returns the first unhandled failure.
func (t *Transport) Run(now sched.TimePoint) error {
	if t.closed {
		return &transport.ArgumentError{What: "transport closed"}
	}
	if err := t.runReceive(now); err != nil {
		return err
	}
	return t.runTransmit(now)
}

// Close flushes all queued frames and drops per-port reassembly state.
// Sessions outliving the transport become inert.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	for _, m := range t.medias {
		m.queue.Flush()
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
	zap.L().Debug("can transport closed", zap.Int("media", len(t.medias)))
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
	port, err := newRxPort(t.alloc, params.ExtentBytes)
	if err != nil {
		return nil, err
	}
	s := &msgRxSession{t: t, params: params, port: port}
	t.msgRx[params.SubjectID] = s
	t.reconfigureFilters()
	return s, nil
}

func (t *Transport) MakeMessageTxSession(params transport.MessageTxParams) (transport.MessageTxSession, error) {
	if params.SubjectID > SubjectIDMax {
		return nil, &transport.ArgumentError{What: "subject id out of range"}
	}
	return &msgTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout}, nil
}

func (t *Transport) MakeRequestRxSession(params transport.RequestRxParams) (transport.RequestRxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if _, busy := t.reqRx[params.ServiceID]; busy {
		return nil, &transport.AlreadyExistsError{Port: params.ServiceID}
	}
	port, err := newRxPort(t.alloc, params.ExtentBytes)
	if err != nil {
		return nil, err
	}
	s := &svcRxSession{t: t, port: port, req: &params}
	t.reqRx[params.ServiceID] = s
	t.reconfigureFilters()
	return reqRxSession{s}, nil
}

func (t *Transport) MakeRequestTxSession(params transport.RequestTxParams) (transport.RequestTxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	if params.ServerNodeID > NodeIDMax {
		return nil, &transport.ArgumentError{What: "server node id out of range"}
	}
	return &reqTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout}, nil
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
	// Port state is allocated before the session is linked so that an
	// exhausted allocator cannot leave a half-registered port behind.
	port, err := newRxPort(t.alloc, params.ExtentBytes)
	if err != nil {
		return nil, err
	}
	s := &svcRxSession{t: t, port: port, res: &params}
	t.resRx[params.ServiceID] = s
	t.reconfigureFilters()
	return resRxSession{s}, nil
}

func (t *Transport) MakeResponseTxSession(params transport.ResponseTxParams) (transport.ResponseTxSession, error) {
	if params.ServiceID > ServiceIDMax {
		return nil, &transport.ArgumentError{What: "service id out of range"}
	}
	return &resTxSession{t: t, params: params, timeout: transport.DefaultSendTimeout}, nil
}

// MARK: send paths

func (t *Transport) sendMessage(subject transport.PortID, md transport.TransferMetadata, fragments [][]byte, timeout sched.Microsecond) error {
	payload := flatten(fragments)
	src := t.nodeID
	anonymous := false
	if src == transport.NodeIDUnset {
		// Anonymous transfers are single-frame only; the pseudo source ID is
		// derived from the payload so identical payloads collide predictably.
		anonymous = true
		src = transport.NodeID(crc.Checksum16(payload) & NodeIDMax)
		if minMTU := t.ProtocolParams().MTU; len(payload) > minMTU-1 {
			return &transport.ArgumentError{What: "anonymous transfer does not fit one frame"}
		}
	}
	id := makeMessageID(md.Priority, subject, src, anonymous)
	return t.enqueue(id, md, payload, timeout)
}

func (t *Transport) sendService(service transport.PortID, request bool, dst transport.NodeID, md transport.TransferMetadata, fragments [][]byte, timeout sched.Microsecond) error {
	if t.nodeID == transport.NodeIDUnset {
		return &transport.ArgumentError{What: "local node id not set"}
	}
	if dst > NodeIDMax {
		return &transport.ArgumentError{What: "destination node id out of range"}
	}
	id := makeServiceID(md.Priority, request, service, dst, t.nodeID)
	return t.enqueue(id, md, flatten(fragments), timeout)
}

// enqueue splits the payload per media MTU and queues the frames on every
// media; the frame deadline is metadata.Timestamp + timeout.
func (t *Transport) enqueue(id uint32, md transport.TransferMetadata, payload []byte, timeout sched.Microsecond) error {
	deadline := md.Timestamp.Add(timeout)
	for _, m := range t.medias {
		frames := buildFrames(m.iface.MTU(), md.TransferID, payload)
		xfer := m.queue.NextTransferSeq()
		for _, f := range frames {
			if err := m.queue.Push(deadline, md.Priority, xfer, id, f); err != nil {
				m.queue.DropTransfer(xfer)
				if handled := t.transient(err, m, "tx.enqueue", m.queue); handled != nil {
					return handled
				}
				break // this media is out of room; the others still try
			}
		}
	}
	return nil
}

// MARK: run internals

func (t *Transport) runReceive(now sched.TimePoint) error {
	t.evictStalePorts(now)
	for _, m := range t.medias {
		for {
			meta, ok, err := m.iface.Pop(m.popBuf)
			if err != nil {
				if handled := t.transient(err, m, "rx.pop", m.iface); handled != nil {
					return handled
				}
				break
			}
			if !ok {
				break
			}
			if err := t.acceptFrame(m, meta, m.popBuf[:meta.Size]); err != nil {
				if handled := t.transient(err, m, "rx.accept", m.iface); handled != nil {
					return handled
				}
			}
		}
	}
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

func (t *Transport) acceptFrame(m *mediaEntry, meta media.CANFrameMeta, frame []byte) error {
	id, ok := parseCANID(meta.ID)
	if !ok {
		return nil // not a Cyphal frame; ignore
	}
	switch id.kind {
	case kindMessage:
		s := t.msgRx[id.port]
		if s == nil {
			return nil
		}
		done, err := s.port.accept(id, frame, meta.Timestamp, m.index)
		if err != nil || done == nil {
			return err
		}
		s.deliverMessage(done)
	case kindRequest, kindResponse:
		if t.nodeID == transport.NodeIDUnset || id.dest != t.nodeID {
			return nil // not addressed to us
		}
		var s *svcRxSession
		if id.kind == kindRequest {
			s = t.reqRx[id.port]
		} else {
			s = t.resRx[id.port]
		}
		if s == nil || !s.wants(id.source) {
			return nil
		}
		done, err := s.port.accept(id, frame, meta.Timestamp, m.index)
		if err != nil || done == nil {
			return err
		}
		s.deliverService(done)
	}
	return nil
}

func (t *Transport) runTransmit(now sched.TimePoint) error {
	for _, m := range t.medias {
		for {
			f := m.queue.Peek()
			if f == nil {
				break
			}
			if f.Deadline <= now {
				// The rest of the transfer would be useless to the receiver.
				m.queue.DropTransfer(f.TransferSeq)
				zap.L().Debug("tx transfer expired", zap.Uint8("media", m.index))
				continue
			}
			accepted, err := m.iface.Push(f.Deadline, f.Meta, f.Data)
			if err != nil {
				m.queue.DropTransfer(f.TransferSeq)
				if handled := t.transient(err, m, "tx.push", m.iface); handled != nil {
					return handled
				}
				continue
			}
			if !accepted {
				break // media backpressure; retry on the next run
			}
			m.queue.Pop()
		}
	}
	return nil
}

// transient routes a per-media failure through the handler. A nil return
// means "keep going"; otherwise the returned failure aborts the operation.
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

// reconfigureFilters pushes the acceptance filter set derived from the
// currently open RX ports to every media. Filter failures are transient.
func (t *Transport) reconfigureFilters() {
	if t.closed {
		return
	}
	var filters []media.CANFilter
	for subject := range t.msgRx {
		filters = append(filters, media.CANFilter{
			ID:   uint32(subject) << offsetSubjectID,
			Mask: flagServiceNotMessage | uint32(SubjectIDMax)<<offsetSubjectID | flagReserved07,
		})
	}
	if t.nodeID != transport.NodeIDUnset && (len(t.reqRx) > 0 || len(t.resRx) > 0) {
		filters = append(filters, media.CANFilter{
			ID:   flagServiceNotMessage | uint32(t.nodeID)<<offsetDstNodeID,
			Mask: flagServiceNotMessage | uint32(NodeIDMax)<<offsetDstNodeID,
		})
	}
	for _, m := range t.medias {
		if err := m.iface.ConfigureFilters(filters); err != nil {
			if handled := t.transient(err, m, "filters.configure", m.iface); handled != nil {
				zap.L().Warn("filter reconfiguration failed", zap.Uint8("media", m.index), zap.Error(handled))
			}
		}
	}
}

// session detach hooks

func (t *Transport) dropMsgRx(subject transport.PortID)  { delete(t.msgRx, subject); t.reconfigureFilters() }
func (t *Transport) dropReqRx(service transport.PortID)  { delete(t.reqRx, service); t.reconfigureFilters() }
func (t *Transport) dropResRx(service transport.PortID)  { delete(t.resRx, service); t.reconfigureFilters() }

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
