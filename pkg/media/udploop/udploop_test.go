package udploop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyphal/pkg/media"
	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
)

func TestLoopDelivery(t *testing.T) {
	now := sched.TimePoint(5 * sched.Millisecond)
	bus := NewBus(func() sched.TimePoint { return now })
	counting := mem.NewCounting(nil)
	m := bus.Media(counting)

	ep := media.UDPEndpoint{IP: 0xEF000001, Port: 9382}
	rx, err := m.MakeRxSocket(ep)
	require.NoError(t, err)
	tx, err := m.MakeTxSocket()
	require.NoError(t, err)

	ok, err := tx.Send(0, ep, 0, [][]byte{[]byte("ab"), []byte("cd")})
	require.NoError(t, err)
	require.True(t, ok)

	dg, err := rx.Receive()
	require.NoError(t, err)
	require.NotNil(t, dg)
	assert.Equal(t, []byte("abcd"), dg.Payload)
	assert.Equal(t, now, dg.Timestamp)
	dg.Release()
	assert.Zero(t, counting.Outstanding())

	dg, err = rx.Receive()
	require.NoError(t, err)
	assert.Nil(t, dg, "queue drained")
}

func TestNoDeliveryToOtherEndpoint(t *testing.T) {
	bus := NewBus(nil)
	m := bus.Media(nil)

	rx, err := m.MakeRxSocket(media.UDPEndpoint{IP: 1, Port: 1})
	require.NoError(t, err)
	tx, _ := m.MakeTxSocket()
	_, err = tx.Send(0, media.UDPEndpoint{IP: 2, Port: 1}, 0, [][]byte{{1}})
	require.NoError(t, err)

	dg, err := rx.Receive()
	require.NoError(t, err)
	assert.Nil(t, dg)
}

func TestClosedSocketDetached(t *testing.T) {
	bus := NewBus(nil)
	counting := mem.NewCounting(nil)
	m := bus.Media(counting)

	ep := media.UDPEndpoint{IP: 3, Port: 3}
	rx, err := m.MakeRxSocket(ep)
	require.NoError(t, err)
	tx, _ := m.MakeTxSocket()
	_, _ = tx.Send(0, ep, 0, [][]byte{{1, 2, 3}})
	require.NoError(t, rx.Close())

	assert.Zero(t, counting.Outstanding(), "queued datagrams released on close")
	_, _ = tx.Send(0, ep, 0, [][]byte{{4}})
	assert.Zero(t, counting.Outstanding(), "no delivery to a closed socket")
}
