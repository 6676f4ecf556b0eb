package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henrik-lindqvist/postgres-async-driver/pkg/message"
)

func TestPendingAccumulatesUntilTerminal(t *testing.T) {
	q := newPendingQueue(true)
	var got []message.Message
	_, err := q.add(func(ms []message.Message) { got = ms })
	require.NoError(t, err)

	assert.False(t, q.dispatch(&message.CommandComplete{Tag: "SELECT 1"}))
	assert.Nil(t, got)
	assert.True(t, q.dispatch(&message.ReadyForQuery{TxStatus: 'I'}))

	require.Len(t, got, 2)
	assert.IsType(t, &message.CommandComplete{}, got[0])
	assert.IsType(t, &message.ReadyForQuery{}, got[1])
	assert.Equal(t, 0, q.depth())
}

func TestPendingFIFO(t *testing.T) {
	q := newPendingQueue(true)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, err := q.add(func([]message.Message) { order = append(order, i) })
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		q.dispatch(&message.ReadyForQuery{TxStatus: 'I'})
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPendingSingleSlotAdmission(t *testing.T) {
	q := newPendingQueue(false)
	_, err := q.add(func([]message.Message) {})
	require.NoError(t, err)

	_, err = q.add(func([]message.Message) {})
	assert.ErrorIs(t, err, errPipelineBusy, "second entry must be rejected, not queued")
	assert.Equal(t, 1, q.depth())

	q.dispatch(&message.ReadyForQuery{TxStatus: 'I'})
	_, err = q.add(func([]message.Message) {})
	assert.NoError(t, err, "slot frees up once the reply completes")
}

func TestPendingDeliveryIsExactlyOncePerEntry(t *testing.T) {
	q := newPendingQueue(true)
	deliveries := 0
	e, err := q.add(func([]message.Message) { deliveries++ })
	require.NoError(t, err)

	// Write failure answers the entry but leaves it queued; the later
	// connection-level broadcast must skip it.
	q.fail(e, message.NewChannelError("write failed"))
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 1, q.depth())

	n := q.failAll(message.NewChannelError("connection state changed to inactive"))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 0, q.depth())
}

func TestPendingFailAllBroadcastsInOrder(t *testing.T) {
	q := newPendingQueue(true)
	var order []int
	var lasts []message.Message
	for i := 0; i < 4; i++ {
		i := i
		_, err := q.add(func(ms []message.Message) {
			order = append(order, i)
			lasts = append(lasts, ms[len(ms)-1])
		})
		require.NoError(t, err)
	}

	n := q.failAll(message.NewChannelError("boom"))
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	for _, last := range lasts {
		assert.IsType(t, &message.ChannelError{}, last)
	}

	// A second broadcast finds nothing to answer.
	assert.Equal(t, 0, q.failAll(message.NewChannelError("again")))
}

func TestPendingFailAllClosesQueue(t *testing.T) {
	q := newPendingQueue(true)
	_, err := q.add(func([]message.Message) {})
	require.NoError(t, err)
	q.failAll(message.NewChannelError("boom"))

	// No read loop survives the broadcast, so an entry admitted now would
	// wait forever. The queue must refuse it.
	_, err = q.add(func([]message.Message) {})
	assert.ErrorIs(t, err, errReplyQueueClosed)
	assert.Equal(t, 0, q.depth())
}

func TestPendingPartialReplySeesFailure(t *testing.T) {
	q := newPendingQueue(true)
	var got []message.Message
	_, err := q.add(func(ms []message.Message) { got = ms })
	require.NoError(t, err)

	q.dispatch(&message.CommandComplete{Tag: "SELECT 1"})
	q.failAll(message.NewChannelError("boom"))

	require.Len(t, got, 2, "accumulated messages precede the failure")
	assert.IsType(t, &message.CommandComplete{}, got[0])
	assert.IsType(t, &message.ChannelError{}, got[1])
}
