package can

import (
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

// msgRxSession subscribes to one subject.
type msgRxSession struct {
	t      *Transport
	params transport.MessageRxParams
	port   *rxPort
	onRecv func(transport.RxTransfer)
	closed bool
}

func (s *msgRxSession) Params() transport.MessageRxParams { return s.params }

func (s *msgRxSession) OnReceive(fn func(transport.RxTransfer)) { s.onRecv = fn }

func (s *msgRxSession) SetTransferIDTimeout(timeout sched.Microsecond) {
	s.port.tidTimeout = timeout
}

func (s *msgRxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.port.close()
	s.t.dropMsgRx(s.params.SubjectID)
	return nil
}

func (s *msgRxSession) deliverMessage(a *assembled) {
	if s.onRecv == nil {
		a.payload.Release() // nobody to take ownership
		return
	}
	s.onRecv(transport.RxTransfer{
		Metadata: transport.TransferMetadata{
			TransferID: a.transferID,
			Priority:   a.priority,
			Timestamp:  a.timestamp,
		},
		SourceNodeID: a.source,
		Payload:      a.payload,
	})
}

// svcRxSession serves either the request or the response side of a service
// port; exactly one of req/res is set.
type svcRxSession struct {
	t      *Transport
	port   *rxPort
	req    *transport.RequestRxParams
	res    *transport.ResponseRxParams
	onRecv func(transport.ServiceRxTransfer)
	closed bool
}

func (s *svcRxSession) OnReceive(fn func(transport.ServiceRxTransfer)) { s.onRecv = fn }

func (s *svcRxSession) SetTransferIDTimeout(timeout sched.Microsecond) {
	s.port.tidTimeout = timeout
}

// wants filters response sessions to their server node.
func (s *svcRxSession) wants(src transport.NodeID) bool {
	if s.res != nil {
		return src == s.res.ServerNodeID
	}
	return true
}

func (s *svcRxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.port.close()
	if s.req != nil {
		s.t.dropReqRx(s.req.ServiceID)
	} else {
		s.t.dropResRx(s.res.ServiceID)
	}
	return nil
}

func (s *svcRxSession) deliverService(a *assembled) {
	if s.onRecv == nil {
		a.payload.Release()
		return
	}
	s.onRecv(transport.ServiceRxTransfer{
		Metadata: transport.ServiceTransferMetadata{
			TransferMetadata: transport.TransferMetadata{
				TransferID: a.transferID,
				Priority:   a.priority,
				Timestamp:  a.timestamp,
			},
			RemoteNodeID: a.source,
		},
		Payload: a.payload,
	})
}

// reqRxSession and resRxSession expose the shared service core under the
// kind-specific session interfaces.

type reqRxSession struct{ *svcRxSession }

func (s reqRxSession) Params() transport.RequestRxParams { return *s.req }

type resRxSession struct{ *svcRxSession }

func (s resRxSession) Params() transport.ResponseRxParams { return *s.res }

// TX sessions are thin: all state lives in the transport queues.

type msgTxSession struct {
	t       *Transport
	params  transport.MessageTxParams
	timeout sched.Microsecond
}

func (s *msgTxSession) Params() transport.MessageTxParams { return s.params }

func (s *msgTxSession) SetSendTimeout(timeout sched.Microsecond) { s.timeout = timeout }

func (s *msgTxSession) Send(md transport.TransferMetadata, fragments [][]byte) error {
	return s.t.sendMessage(s.params.SubjectID, md, fragments, s.timeout)
}

func (s *msgTxSession) Close() error { return nil }

type reqTxSession struct {
	t       *Transport
	params  transport.RequestTxParams
	timeout sched.Microsecond
}

func (s *reqTxSession) Params() transport.RequestTxParams { return s.params }

func (s *reqTxSession) SetSendTimeout(timeout sched.Microsecond) { s.timeout = timeout }

func (s *reqTxSession) Send(md transport.TransferMetadata, fragments [][]byte) error {
	return s.t.sendService(s.params.ServiceID, true, s.params.ServerNodeID, md, fragments, s.timeout)
}

func (s *reqTxSession) Close() error { return nil }

type resTxSession struct {
	t       *Transport
	params  transport.ResponseTxParams
	timeout sched.Microsecond
}

func (s *resTxSession) Params() transport.ResponseTxParams { return s.params }

func (s *resTxSession) SetSendTimeout(timeout sched.Microsecond) { s.timeout = timeout }

func (s *resTxSession) Send(md transport.ServiceTransferMetadata, fragments [][]byte) error {
	return s.t.sendService(s.params.ServiceID, false, md.RemoteNodeID, md.TransferMetadata, fragments, s.timeout)
}

func (s *resTxSession) Close() error { return nil }
