// Package provider exposes a registry over the standard register services:
// it answers uavcan.register.List and uavcan.register.Access requests
// received through a transport.
package provider

import (
	"go.uber.org/zap"

	"cyphal/pkg/register"
	"cyphal/pkg/register/uavcanreg"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

// Registry is the introspection surface the provider serves. Satisfied by
// *register.Registry; tests substitute mocks.
type Registry interface {
	Get(name string) (register.ValueAndFlags, bool)
	Set(name string, v register.Value) error
	Index(i int) string
	Size() int
}

// Extents of the service payloads accepted from the wire.
const (
	listRequestExtent   = 2
	accessRequestExtent = 600
)

// DefaultResponseTimeout bounds the response transmission deadline measured
// from the request's reception timestamp.
const DefaultResponseTimeout = 1 * sched.Second

// Provider owns the four sessions serving the two register services.
type Provider struct {
	reg      Registry
	listRx   transport.RequestRxSession
	listTx   transport.ResponseTxSession
	accessRx transport.RequestRxSession
	accessTx transport.ResponseTxSession
	timeout  sched.Microsecond
	closed   bool
}

// New builds a provider over t. Any session failure rolls back the sessions
// created so far and returns the failure; no partial state is left behind.
func New(t transport.Transport, reg Registry) (p *Provider, err error) {
	p = &Provider{reg: reg, timeout: DefaultResponseTimeout}
	built := p // the error returns below nil out p before the deferred rollback
	defer func() {
		if err != nil {
			built.Close()
		}
	}()

	p.listRx, err = t.MakeRequestRxSession(transport.RequestRxParams{
		ExtentBytes: listRequestExtent,
		ServiceID:   uavcanreg.ListServiceID,
	})
	if err != nil {
		return nil, err
	}
	p.listTx, err = t.MakeResponseTxSession(transport.ResponseTxParams{
		ServiceID: uavcanreg.ListServiceID,
	})
	if err != nil {
		return nil, err
	}
	p.accessRx, err = t.MakeRequestRxSession(transport.RequestRxParams{
		ExtentBytes: accessRequestExtent,
		ServiceID:   uavcanreg.AccessServiceID,
	})
	if err != nil {
		return nil, err
	}
	p.accessTx, err = t.MakeResponseTxSession(transport.ResponseTxParams{
		ServiceID: uavcanreg.AccessServiceID,
	})
	if err != nil {
		return nil, err
	}

	p.listTx.SetSendTimeout(p.timeout)
	p.accessTx.SetSendTimeout(p.timeout)
	p.listRx.OnReceive(p.onListRequest)
	p.accessRx.OnReceive(p.onAccessRequest)
	return p, nil
}

// SetResponseTimeout configures the response deadline: the transmission
// deadline becomes request timestamp + timeout.
func (p *Provider) SetResponseTimeout(timeout sched.Microsecond) {
	p.timeout = timeout
	if p.listTx != nil {
		p.listTx.SetSendTimeout(timeout)
	}
	if p.accessTx != nil {
		p.accessTx.SetSendTimeout(timeout)
	}
}

// Close releases all sessions. Safe on a partially constructed provider.
func (p *Provider) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.listRx != nil {
		_ = p.listRx.Close()
	}
	if p.listTx != nil {
		_ = p.listTx.Close()
	}
	if p.accessRx != nil {
		_ = p.accessRx.Close()
	}
	if p.accessTx != nil {
		_ = p.accessTx.Close()
	}
}

func (p *Provider) onListRequest(x transport.ServiceRxTransfer) {
	defer x.Payload.Release()
	req, err := uavcanreg.ParseListRequest(x.Payload.Bytes())
	if err != nil {
		zap.L().Debug("malformed list request", zap.Error(err))
		return
	}
	res := uavcanreg.ListResponse{Name: p.reg.Index(int(req.Index))}
	p.respond(p.listTx, x.Metadata, res.Marshal())
}

func (p *Provider) onAccessRequest(x transport.ServiceRxTransfer) {
	defer x.Payload.Release()
	req, err := uavcanreg.ParseAccessRequest(x.Payload.Bytes())
	if err != nil && req.Name == "" {
		zap.L().Debug("malformed access request", zap.Error(err))
		return
	}
	if !req.Value.IsEmpty() {
		// Best-effort: a rejected set still answers with the current state.
		if err := p.reg.Set(req.Name, req.Value); err != nil {
			zap.L().Debug("access set rejected", zap.String("name", req.Name), zap.Error(err))
		}
	}
	var res uavcanreg.AccessResponse
	if vf, ok := p.reg.Get(req.Name); ok {
		res = uavcanreg.AccessResponse{
			Mutable:    vf.Flags.Mutable,
			Persistent: vf.Flags.Persistent,
			Value:      vf.Value,
		}
	}
	p.respond(p.accessTx, x.Metadata, res.Marshal())
}

// respond mirrors the request metadata back: same transfer ID and priority,
// addressed to the requesting node, deadline anchored at the request
// timestamp.
func (p *Provider) respond(tx transport.ResponseTxSession, md transport.ServiceTransferMetadata, payload []byte) {
	if err := tx.Send(md, [][]byte{payload}); err != nil {
		zap.L().Warn("register response not sent", zap.Error(err))
	}
}
