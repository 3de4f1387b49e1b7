package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

// mockMedia is a scriptable CAN media: tests preload RX frames and inspect
// pushed TX frames.
type mockMedia struct {
	mtu      int
	rx       []rxFrame
	tx       []txFrame
	accept   bool
	filters  []media.CANFilter
	popErr   error
	pushErr  error
}

type rxFrame struct {
	meta media.CANFrameMeta
	data []byte
}

type txFrame struct {
	deadline sched.TimePoint
	id       uint32
	data     []byte
}

func newMockMedia(mtu int) *mockMedia { return &mockMedia{mtu: mtu, accept: true} }

func (m *mockMedia) MTU() int { return m.mtu }

func (m *mockMedia) Pop(buf []byte) (media.CANFrameMeta, bool, error) {
	if m.popErr != nil {
		err := m.popErr
		m.popErr = nil
		return media.CANFrameMeta{}, false, err
	}
	if len(m.rx) == 0 {
		return media.CANFrameMeta{}, false, nil
	}
	f := m.rx[0]
	m.rx = m.rx[1:]
	copy(buf, f.data)
	return f.meta, true, nil
}

func (m *mockMedia) Push(deadline sched.TimePoint, id uint32, data []byte) (bool, error) {
	if m.pushErr != nil {
		err := m.pushErr
		m.pushErr = nil
		return false, err
	}
	if !m.accept {
		return false, nil
	}
	m.tx = append(m.tx, txFrame{deadline: deadline, id: id, data: append([]byte(nil), data...)})
	return true, nil
}

func (m *mockMedia) ConfigureFilters(filters []media.CANFilter) error {
	m.filters = filters
	return nil
}

func (m *mockMedia) feed(ts sched.TimePoint, id uint32, data []byte) {
	m.rx = append(m.rx, rxFrame{
		meta: media.CANFrameMeta{Timestamp: ts, ID: id, Size: len(data)},
		data: append([]byte(nil), data...),
	})
}

func makeTransport(t *testing.T, alloc mem.Allocator, m *mockMedia, nodeID transport.NodeID) *Transport {
	t.Helper()
	tr, err := New(alloc, []media.CANMedia{m}, 0)
	require.NoError(t, err)
	if nodeID != transport.NodeIDUnset {
		require.NoError(t, tr.SetLocalNodeID(nodeID))
	}
	return tr
}

// The CAN-ID used throughout: service request, priority High, service 0x17B,
// destination 0x31, source 0x13 (same vector as the reassembly contract).
const svcRequestID = 0b011_1_1_0_101111011_0110001_0010011

func TestRunAndReceiveRequests(t *testing.T) {
	m := newMockMedia(MTUClassic)
	tr := makeTransport(t, nil, m, 0x31)

	session, err := tr.MakeRequestRxSession(transport.RequestRxParams{ExtentBytes: 8, ServiceID: 0x17B})
	require.NoError(t, err)
	session.SetTransferIDTimeout(200 * sched.Millisecond)

	var got []transport.ServiceRxTransfer
	session.OnReceive(func(x transport.ServiceRxTransfer) { got = append(got, x) })

	// 1st iteration: one single-frame request at t=1s.
	rxTS := sched.TimePoint(1 * sched.Second)
	m.feed(rxTS, svcRequestID, []byte{42, 147, 0b111_11101})
	require.NoError(t, tr.Run(rxTS.Add(10*sched.Millisecond)))

	require.Len(t, got, 1)
	x := got[0]
	assert.Equal(t, rxTS, x.Metadata.Timestamp)
	assert.Equal(t, transport.TransferID(0x1D), x.Metadata.TransferID)
	assert.Equal(t, transport.PriorityHigh, x.Metadata.Priority)
	assert.Equal(t, transport.NodeID(0x13), x.Metadata.RemoteNodeID)
	buf := make([]byte, 2)
	assert.Equal(t, 2, x.Payload.Copy(0, buf))
	assert.Equal(t, []byte{42, 147}, buf)
	x.Payload.Release()

	// 2nd iteration: no frames at t=2s.
	require.NoError(t, tr.Run(sched.TimePoint(2*sched.Second)))
	assert.Len(t, got, 1)

	// 3rd iteration: a two-frame transfer at t=3s, priority Exceptional,
	// transfer-id 0x1E, ten payload bytes truncated to the extent of 8.
	rxTS = sched.TimePoint(3 * sched.Second)
	const excRequestID = 0b000_1_1_0_101111011_0110001_0010011
	m.feed(rxTS, excRequestID, []byte{'0', '1', '2', '3', '4', '5', '6', 0b101_11110})
	m.feed(rxTS, excRequestID, []byte{'7', '8', '9', 0x7D, 0x61, 0b010_11110})
	require.NoError(t, tr.Run(rxTS.Add(10*sched.Millisecond)))

	require.Len(t, got, 2)
	x = got[1]
	assert.Equal(t, rxTS, x.Metadata.Timestamp)
	assert.Equal(t, transport.TransferID(0x1E), x.Metadata.TransferID)
	assert.Equal(t, transport.PriorityExceptional, x.Metadata.Priority)
	assert.Equal(t, transport.NodeID(0x13), x.Metadata.RemoteNodeID)
	assert.Equal(t, 8, x.Payload.Size())
	assert.Equal(t, []byte("01234567"), x.Payload.Bytes())
	x.Payload.Release()
}

func TestMakeResponseRxSessionNoMemory(t *testing.T) {
	deny := mem.NewDenying(nil)
	deny.DenyNext(1)
	tr := makeTransport(t, deny, newMockMedia(MTUClassic), 0x13)

	_, err := tr.MakeResponseRxSession(transport.ResponseRxParams{ExtentBytes: 64, ServiceID: 0x23, ServerNodeID: 0x45})
	var memErr *transport.MemoryError
	require.ErrorAs(t, err, &memErr)
}

func TestMakeRequestRxSessionInvalidServiceID(t *testing.T) {
	tr := makeTransport(t, nil, newMockMedia(MTUClassic), 0x31)

	_, err := tr.MakeRequestRxSession(transport.RequestRxParams{ExtentBytes: 64, ServiceID: ServiceIDMax + 1})
	var argErr *transport.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestSecondRxSessionOnPortRejected(t *testing.T) {
	tr := makeTransport(t, nil, newMockMedia(MTUClassic), 0x31)

	_, err := tr.MakeMessageRxSession(transport.MessageRxParams{ExtentBytes: 8, SubjectID: 100})
	require.NoError(t, err)

	_, err = tr.MakeMessageRxSession(transport.MessageRxParams{ExtentBytes: 8, SubjectID: 100})
	var exists *transport.AlreadyExistsError
	require.ErrorAs(t, err, &exists)
}

func TestPortIDBoundary(t *testing.T) {
	tr := makeTransport(t, nil, newMockMedia(MTUClassic), 0x31)

	s, err := tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: SubjectIDMax})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: SubjectIDMax + 1})
	var argErr *transport.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestMessageRoundTrip(t *testing.T) {
	// Two transports wired back to back through the mock media: what one
	// queues the other receives byte-identical.
	counting := mem.NewCounting(nil)
	mA := newMockMedia(MTUClassic)
	sender := makeTransport(t, counting, mA, 0x07)
	receiver := makeTransport(t, counting, newMockMedia(MTUClassic), 0x08)

	tx, err := sender.MakeMessageTxSession(transport.MessageTxParams{SubjectID: 1234})
	require.NoError(t, err)
	rxSession, err := receiver.MakeMessageRxSession(transport.MessageRxParams{ExtentBytes: 64, SubjectID: 1234})
	require.NoError(t, err)

	var delivered []byte
	rxSession.OnReceive(func(x transport.RxTransfer) {
		delivered = x.Payload.Bytes()
		x.Payload.Release()
	})

	payload := []byte("the quick brown fox jumps")
	now := sched.TimePoint(1 * sched.Second)
	require.NoError(t, tx.Send(transport.TransferMetadata{
		TransferID: 9,
		Priority:   transport.PriorityNominal,
		Timestamp:  now,
	}, [][]byte{payload}))
	require.NoError(t, sender.Run(now.Add(sched.Millisecond)))

	// Replay the wire frames into the receiving transport.
	rm := receiver.medias[0]
	for _, f := range mA.tx {
		rm.iface.(*mockMedia).feed(now, f.id, f.data)
	}
	require.NoError(t, receiver.Run(now.Add(2*sched.Millisecond)))

	assert.Equal(t, payload, delivered)

	require.NoError(t, rxSession.Close())
	require.NoError(t, tx.Close())
	require.NoError(t, sender.Close())
	require.NoError(t, receiver.Close())
	assert.Zero(t, counting.Outstanding(), "no allocation may leak after close")
}

func TestExpiredTransferDroppedBeforeSend(t *testing.T) {
	m := newMockMedia(MTUClassic)
	tr := makeTransport(t, nil, m, 0x07)

	tx, err := tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: 77})
	require.NoError(t, err)

	now := sched.TimePoint(1 * sched.Second)
	tx.SetSendTimeout(100 * sched.Millisecond)
	require.NoError(t, tx.Send(transport.TransferMetadata{Priority: transport.PriorityNominal, Timestamp: now}, [][]byte{{1, 2, 3}}))

	// Running exactly at the deadline drops the frame without pushing.
	require.NoError(t, tr.Run(now.Add(100*sched.Millisecond)))
	assert.Empty(t, m.tx)
}

func TestBackpressureRetainsFrames(t *testing.T) {
	m := newMockMedia(MTUClassic)
	m.accept = false
	tr := makeTransport(t, nil, m, 0x07)

	tx, err := tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: 77})
	require.NoError(t, err)

	now := sched.TimePoint(1 * sched.Second)
	require.NoError(t, tx.Send(transport.TransferMetadata{Priority: transport.PriorityNominal, Timestamp: now}, [][]byte{{1}}))
	require.NoError(t, tr.Run(now.Add(sched.Millisecond)))
	assert.Empty(t, m.tx)

	m.accept = true
	require.NoError(t, tr.Run(now.Add(2*sched.Millisecond)))
	require.Len(t, m.tx, 1)
}

func TestRedundantMediaDeduplication(t *testing.T) {
	mA := newMockMedia(MTUClassic)
	mB := newMockMedia(MTUClassic)
	tr, err := New(nil, []media.CANMedia{mA, mB}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.SetLocalNodeID(0x31))

	session, err := tr.MakeRequestRxSession(transport.RequestRxParams{ExtentBytes: 8, ServiceID: 0x17B})
	require.NoError(t, err)

	count := 0
	session.OnReceive(func(x transport.ServiceRxTransfer) {
		count++
		x.Payload.Release()
	})

	ts := sched.TimePoint(1 * sched.Second)
	frame := []byte{1, 2, 0b111_00001}
	mA.feed(ts, svcRequestID, frame)
	mB.feed(ts, svcRequestID, frame) // same transfer over the second media
	require.NoError(t, tr.Run(ts.Add(sched.Millisecond)))

	assert.Equal(t, 1, count, "redundant copy must be suppressed")
}

func TestTransientErrorHandler(t *testing.T) {
	m := newMockMedia(MTUClassic)
	tr := makeTransport(t, nil, m, 0x31)

	m.popErr = assert.AnError

	// Without a handler the failure propagates wrapped in a report.
	err := tr.Run(sched.TimePoint(sched.Millisecond))
	var report *transport.TransientErrorReport
	require.ErrorAs(t, err, &report)
	assert.Equal(t, uint8(0), report.MediaIndex)

	// With a suppressing handler the run continues.
	m.popErr = assert.AnError
	var seen *transport.TransientErrorReport
	tr.SetTransientErrorHandler(func(r *transport.TransientErrorReport) error {
		seen = r
		return nil
	})
	require.NoError(t, tr.Run(sched.TimePoint(2*sched.Millisecond)))
	require.NotNil(t, seen)
	assert.Equal(t, "rx.pop", seen.Operation)
}

func TestAnonymousMessageSingleFrameOnly(t *testing.T) {
	m := newMockMedia(MTUClassic)
	tr := makeTransport(t, nil, m, transport.NodeIDUnset)

	tx, err := tr.MakeMessageTxSession(transport.MessageTxParams{SubjectID: 10})
	require.NoError(t, err)

	now := sched.TimePoint(sched.Second)
	require.NoError(t, tx.Send(transport.TransferMetadata{Priority: transport.PriorityNominal, Timestamp: now}, [][]byte{{1, 2, 3}}))

	long := make([]byte, 20)
	err = tx.Send(transport.TransferMetadata{Priority: transport.PriorityNominal, Timestamp: now}, [][]byte{long})
	var argErr *transport.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestSetLocalNodeIDOnce(t *testing.T) {
	tr := makeTransport(t, nil, newMockMedia(MTUClassic), transport.NodeIDUnset)

	require.NoError(t, tr.SetLocalNodeID(0x13))
	require.NoError(t, tr.SetLocalNodeID(0x13), "same value is idempotent")

	err := tr.SetLocalNodeID(0x14)
	var argErr *transport.ArgumentError
	require.ErrorAs(t, err, &argErr)

	err = tr.SetLocalNodeID(NodeIDMax + 1)
	require.ErrorAs(t, err, &argErr)
}
