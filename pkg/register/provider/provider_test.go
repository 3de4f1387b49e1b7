package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/register"
	"cyphal/pkg/register/uavcanreg"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
	"cyphal/pkg/transport/udp"
)

// mockRegistry records which indices were asked for.
type mockRegistry struct {
	names      map[int]string
	indexCalls []int
	setCalls   []string
}

func (m *mockRegistry) Get(name string) (register.ValueAndFlags, bool) {
	return register.ValueAndFlags{Value: register.String("v:" + name), Flags: register.Flags{Mutable: true}}, true
}

func (m *mockRegistry) Set(name string, v register.Value) error {
	m.setCalls = append(m.setCalls, name)
	return nil
}

func (m *mockRegistry) Index(i int) string {
	m.indexCalls = append(m.indexCalls, i)
	return m.names[i]
}

func (m *mockRegistry) Size() int { return len(m.names) }

// loopMedia is a minimal in-memory UDP media for driving the provider
// through a real UDP transport.
type loopMedia struct {
	rxSocks map[media.UDPEndpoint]*loopRxSocket
	txSock  *loopTxSocket
}

func newLoopMedia() *loopMedia {
	return &loopMedia{rxSocks: make(map[media.UDPEndpoint]*loopRxSocket)}
}

func (m *loopMedia) MakeRxSocket(ep media.UDPEndpoint) (media.RxSocket, error) {
	s := &loopRxSocket{}
	m.rxSocks[ep] = s
	return s, nil
}

func (m *loopMedia) MakeTxSocket() (media.TxSocket, error) {
	if m.txSock == nil {
		m.txSock = &loopTxSocket{}
	}
	return m.txSock, nil
}

func (m *loopMedia) feed(ep media.UDPEndpoint, ts sched.TimePoint, payload []byte) bool {
	s, ok := m.rxSocks[ep]
	if !ok {
		return false
	}
	buf := append([]byte(nil), payload...)
	s.pending = append(s.pending, &media.Datagram{Timestamp: ts, Payload: buf})
	return true
}

type loopRxSocket struct {
	pending []*media.Datagram
}

func (s *loopRxSocket) Receive() (*media.Datagram, error) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	dg := s.pending[0]
	s.pending = s.pending[1:]
	return dg, nil
}

func (s *loopRxSocket) Close() error { return nil }

type sent struct {
	deadline sched.TimePoint
	dst      media.UDPEndpoint
	payload  []byte
}

type loopTxSocket struct {
	sent []sent
}

func (s *loopTxSocket) MTU() int { return udp.DefaultMTU }

func (s *loopTxSocket) Send(deadline sched.TimePoint, dst media.UDPEndpoint, dscp uint8, fragments [][]byte) (bool, error) {
	var payload []byte
	for _, f := range fragments {
		payload = append(payload, f...)
	}
	s.sent = append(s.sent, sent{deadline: deadline, dst: dst, payload: payload})
	return true, nil
}

func (s *loopTxSocket) Close() error { return nil }

// sendListRequest builds the wire image of a List request through a scratch
// client transport and feeds it into the server media.
func sendListRequest(t *testing.T, serverMedia *loopMedia, server transport.NodeID, ts sched.TimePoint, tid transport.TransferID, prio transport.Priority, index uint16) {
	t.Helper()
	clientMedia := newLoopMedia()
	client, err := udp.New(nil, []media.UDPMedia{clientMedia}, 0)
	require.NoError(t, err)
	require.NoError(t, client.SetLocalNodeID(0x31))
	tx, err := client.MakeRequestTxSession(transport.RequestTxParams{ServiceID: uavcanreg.ListServiceID, ServerNodeID: server})
	require.NoError(t, err)
	require.NoError(t, tx.Send(transport.TransferMetadata{TransferID: tid, Priority: prio, Timestamp: ts},
		[][]byte{uavcanreg.ListRequest{Index: index}.Marshal()}))
	require.NoError(t, client.Run(ts.Add(sched.Millisecond)))
	for _, dg := range clientMedia.txSock.sent {
		require.True(t, serverMedia.feed(udp.ServiceEndpoint(server), ts, dg.payload))
	}
}

func TestMakeListRequest(t *testing.T) {
	exec := sched.NewVirtualTime(nil)
	counting := mem.NewCounting(nil)
	m := newLoopMedia()
	tr, err := udp.New(counting, []media.UDPMedia{m}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.SetLocalNodeID(0x13))

	reg := &mockRegistry{names: map[int]string{0: "abc"}}

	// t=1s: construct the provider; two RX and two TX session allocations.
	exec.SetNow(sched.TimePoint(1 * sched.Second))
	p, err := New(tr, reg)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counting.Calls(), "two rx and two tx session allocations")

	// t=2s: a List{index:0} request from node 0x31.
	ts2 := sched.TimePoint(2 * sched.Second)
	exec.SetNow(ts2)
	sendListRequest(t, m, 0x13, ts2, 123, transport.PriorityFast, 0)
	require.NoError(t, tr.Run(exec.Now()))

	require.Len(t, m.txSock.sent, 1, "exactly one response")
	res := m.txSock.sent[0]
	assert.Equal(t, ts2.Add(1*sched.Second), res.deadline, "deadline is request time + 1s")
	assert.Equal(t, udp.ServiceEndpoint(0x31), res.dst, "response goes back to the client")
	body := res.payload[udp.HeaderSize : len(res.payload)-4] // strip header and transfer CRC
	lr, err := uavcanreg.ParseListResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", lr.Name)

	// t=3s: shorter response timeout; index 1 is out of range.
	ts3 := sched.TimePoint(3 * sched.Second)
	exec.SetNow(ts3)
	p.SetResponseTimeout(100 * sched.Millisecond)
	sendListRequest(t, m, 0x13, ts3, 124, transport.PriorityNominal, 1)
	require.NoError(t, tr.Run(exec.Now()))

	require.Len(t, m.txSock.sent, 2)
	res = m.txSock.sent[1]
	assert.Equal(t, ts3.Add(100*sched.Millisecond), res.deadline)
	lr, err = uavcanreg.ParseListResponse(res.payload[udp.HeaderSize : len(res.payload)-4])
	require.NoError(t, err)
	assert.Empty(t, lr.Name)

	// t=9s: drop the provider; t=10s: the mock saw each index exactly once
	// and no session state leaked.
	exec.SetNow(sched.TimePoint(9 * sched.Second))
	p.Close()
	exec.SetNow(sched.TimePoint(10 * sched.Second))
	assert.Equal(t, []int{0, 1}, reg.indexCalls)
	assert.Zero(t, counting.Outstanding(), "all session allocations returned")
}

func TestAccessRequestSetsAndReports(t *testing.T) {
	m := newLoopMedia()
	tr, err := udp.New(nil, []media.UDPMedia{m}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.SetLocalNodeID(0x13))

	reg := &mockRegistry{names: map[int]string{}}
	_, err = New(tr, reg)
	require.NoError(t, err)

	clientMedia := newLoopMedia()
	client, err := udp.New(nil, []media.UDPMedia{clientMedia}, 0)
	require.NoError(t, err)
	require.NoError(t, client.SetLocalNodeID(0x31))
	tx, err := client.MakeRequestTxSession(transport.RequestTxParams{ServiceID: uavcanreg.AccessServiceID, ServerNodeID: 0x13})
	require.NoError(t, err)

	ts := sched.TimePoint(1 * sched.Second)
	req := uavcanreg.AccessRequest{Name: "gain", Value: register.Real(0.25)}
	require.NoError(t, tx.Send(transport.TransferMetadata{TransferID: 5, Priority: transport.PriorityNominal, Timestamp: ts},
		[][]byte{req.Marshal()}))
	require.NoError(t, client.Run(ts.Add(sched.Millisecond)))
	for _, dg := range clientMedia.txSock.sent {
		require.True(t, m.feed(udp.ServiceEndpoint(0x13), ts, dg.payload))
	}
	require.NoError(t, tr.Run(ts.Add(2*sched.Millisecond)))

	assert.Equal(t, []string{"gain"}, reg.setCalls, "value present applies set")
	require.Len(t, m.txSock.sent, 1)
	res, err := uavcanreg.ParseAccessResponse(m.txSock.sent[0].payload[udp.HeaderSize : len(m.txSock.sent[0].payload)-4])
	require.NoError(t, err)
	assert.True(t, res.Mutable)
	assert.Equal(t, "v:gain", res.Value.AsString(), "response carries the get result")
}

// mockSessionTransport scripts session factory failures for the rollback
// contract.
type mockSessionTransport struct {
	transport.Transport // panics if an unexpected method is hit

	reqRxErrs []error // consumed per MakeRequestRxSession call
	made      []*closeTracker
}

type closeTracker struct {
	closed bool
}

func (c *closeTracker) Close() error { c.closed = true; return nil }

type trackReqRx struct {
	*closeTracker
	params transport.RequestRxParams
}

func (s trackReqRx) Params() transport.RequestRxParams            { return s.params }
func (s trackReqRx) OnReceive(func(transport.ServiceRxTransfer))  {}
func (s trackReqRx) SetTransferIDTimeout(sched.Microsecond)       {}

type trackResTx struct {
	*closeTracker
	params transport.ResponseTxParams
}

func (s trackResTx) Params() transport.ResponseTxParams { return s.params }
func (s trackResTx) Send(transport.ServiceTransferMetadata, [][]byte) error { return nil }
func (s trackResTx) SetSendTimeout(sched.Microsecond)   {}

func (m *mockSessionTransport) MakeRequestRxSession(params transport.RequestRxParams) (transport.RequestRxSession, error) {
	if len(m.reqRxErrs) > 0 {
		err := m.reqRxErrs[0]
		m.reqRxErrs = m.reqRxErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tr := &closeTracker{}
	m.made = append(m.made, tr)
	return trackReqRx{closeTracker: tr, params: params}, nil
}

func (m *mockSessionTransport) MakeResponseTxSession(params transport.ResponseTxParams) (transport.ResponseTxSession, error) {
	tr := &closeTracker{}
	m.made = append(m.made, tr)
	return trackResTx{closeTracker: tr, params: params}, nil
}

func TestMakeFailureRollback(t *testing.T) {
	argErr := &transport.ArgumentError{What: "forced"}

	// First request RX session fails outright: nothing to roll back.
	m := &mockSessionTransport{reqRxErrs: []error{argErr}}
	p, err := New(m, &mockRegistry{})
	assert.Nil(t, p)
	var gotArg *transport.ArgumentError
	require.ErrorAs(t, err, &gotArg)
	assert.Empty(t, m.made)

	// First RX succeeds, the second (Access) fails: the sessions created so
	// far are deinitialized.
	m = &mockSessionTransport{reqRxErrs: []error{nil, argErr}}
	p, err = New(m, &mockRegistry{})
	assert.Nil(t, p)
	require.ErrorAs(t, err, &gotArg)
	require.Len(t, m.made, 2, "list rx and list tx were created")
	for _, tr := range m.made {
		assert.True(t, tr.closed, "created session must be deinitialized on rollback")
	}
}
