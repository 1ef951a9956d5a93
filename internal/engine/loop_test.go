package engine

import (
	"testing"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagTableSingleShotRemovesOnCompletion(t *testing.T) {
	var tt tagTable
	tt.init()

	sqe := &giouring.SubmissionQueueEntry{}
	tt.set(sqe, &tag{Kind: OpRead, FD: 7})
	require.Equal(t, 1, tt.count())

	cqe := &giouring.CompletionQueueEvent{UserData: sqe.UserData}
	got := tt.get(cqe)
	require.NotNil(t, got)
	assert.Equal(t, OpRead, got.Kind)
	assert.Equal(t, 7, got.FD)
	assert.Zero(t, tt.count(), "a single-shot completion must release its tag")
}

func TestTagTableMultishotRetainsTag(t *testing.T) {
	var tt tagTable
	tt.init()

	sqe := &giouring.SubmissionQueueEntry{}
	tt.set(sqe, &tag{Kind: OpMultishotAccept, FD: 3})

	cqe := &giouring.CompletionQueueEvent{UserData: sqe.UserData, Flags: giouring.CQEFMore}
	require.NotNil(t, tt.get(cqe))
	assert.Equal(t, 1, tt.count(), "a multishot completion with the more flag keeps its tag")

	// Final completion without the more flag releases it.
	cqe.Flags = 0
	require.NotNil(t, tt.get(cqe))
	assert.Zero(t, tt.count())
}

func TestTagTableKeysStayAboveReservedRange(t *testing.T) {
	var tt tagTable
	tt.init()
	sqe := &giouring.SubmissionQueueEntry{}
	tt.set(sqe, &tag{})
	assert.Greater(t, sqe.UserData, uint64(0xFFFF))
}

func TestNtohsIsItsOwnInverse(t *testing.T) {
	assert.Equal(t, uint16(0x3412), ntohs(0x1234))
	assert.Equal(t, uint16(0x1234), ntohs(ntohs(0x1234)))
}

func TestMsghdrPayloadBounds(t *testing.T) {
	m := NewMsghdr(16)
	defer m.Close()
	copy(m.buf, "hello")
	assert.Equal(t, "hello", string(m.Payload(5)))
	assert.Nil(t, m.Payload(0))
	assert.Nil(t, m.Payload(-1))
}
