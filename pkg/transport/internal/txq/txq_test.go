package txq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyphal/pkg/mem"
	"cyphal/pkg/sched"
	"cyphal/pkg/transport"
)

func TestDrainOrder(t *testing.T) {
	q := New[uint32](nil, 16)

	// Same deadline: priority breaks the tie; same priority: insertion order.
	xfer := q.NextTransferSeq()
	require.NoError(t, q.Push(100, transport.PriorityNominal, xfer, 1, []byte{1}))
	require.NoError(t, q.Push(100, transport.PriorityFast, xfer, 2, []byte{2}))
	require.NoError(t, q.Push(50, transport.PriorityOptional, xfer, 3, []byte{3}))
	require.NoError(t, q.Push(100, transport.PriorityNominal, xfer, 4, []byte{4}))

	var order []uint32
	for q.Len() > 0 {
		order = append(order, q.Peek().Meta)
		q.Pop()
	}
	assert.Equal(t, []uint32{3, 2, 1, 4}, order)
}

func TestCapacity(t *testing.T) {
	q := New[int](nil, 2)
	xfer := q.NextTransferSeq()
	require.NoError(t, q.Push(1, transport.PriorityNominal, xfer, 0, []byte{0}))
	require.NoError(t, q.Push(1, transport.PriorityNominal, xfer, 0, []byte{0}))

	err := q.Push(1, transport.PriorityNominal, xfer, 0, []byte{0})
	var capErr *transport.CapacityError
	require.ErrorAs(t, err, &capErr)
}

func TestAllocationFailure(t *testing.T) {
	deny := mem.NewDenying(nil)
	deny.DenyNext(1)
	q := New[int](deny, 4)

	err := q.Push(1, transport.PriorityNominal, q.NextTransferSeq(), 0, []byte{0})
	var memErr *transport.MemoryError
	require.ErrorAs(t, err, &memErr)
}

func TestDropTransferAndFlushAccounting(t *testing.T) {
	counting := mem.NewCounting(nil)
	q := New[int](counting, 16)

	a := q.NextTransferSeq()
	b := q.NextTransferSeq()
	require.NoError(t, q.Push(10, transport.PriorityNominal, a, 0, []byte{1, 2}))
	require.NoError(t, q.Push(20, transport.PriorityNominal, a, 0, []byte{3, 4}))
	require.NoError(t, q.Push(30, transport.PriorityNominal, b, 0, []byte{5, 6}))

	assert.Equal(t, 2, q.DropTransfer(a))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, b, q.Peek().TransferSeq)

	q.Flush()
	assert.Zero(t, q.Len())
	assert.Zero(t, counting.Outstanding())
}

func TestDeadlineStampedOnFrames(t *testing.T) {
	q := New[int](nil, 4)
	require.NoError(t, q.Push(sched.TimePoint(42), transport.PriorityHigh, q.NextTransferSeq(), 7, []byte{9}))
	f := q.Peek()
	require.NotNil(t, f)
	assert.Equal(t, sched.TimePoint(42), f.Deadline)
	assert.Equal(t, 7, f.Meta)
	assert.Equal(t, []byte{9}, f.Data)
}
