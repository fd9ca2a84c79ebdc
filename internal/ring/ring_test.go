package ring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

func newPair(t *testing.T, pages int) (*FrontRing, *BackRing, []byte) {
	t.Helper()
	mem := make([]byte, pages*proto.PageSize)
	front, err := NewFrontRing(mem)
	require.NoError(t, err)
	back, err := NewBackRing(mem)
	require.NoError(t, err)
	return front, back, mem
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		bytes int
		want  uint32
	}{
		{0, 0},
		{HeaderSize + proto.SlotSize - 1, 0},
		{HeaderSize + proto.SlotSize, 1},
		{4096, 8},
		{2 * 4096, 16},
		{4 * 4096, 32},
		{16 * 4096, 128},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Capacity(tt.bytes), "bytes=%d", tt.bytes)
	}
}

func TestAttachTooSmall(t *testing.T) {
	_, err := NewBackRing(make([]byte, 100))
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestRequestRoundTrip(t *testing.T) {
	front, back, _ := newPair(t, 1)

	req := proto.Request{ID: 42, Op: proto.OpCommand, Direction: proto.DirFromDevice, NrSegments: 1, CmdLen: 10}
	req.Segments[0] = proto.Segment{GrantRef: 9, Offset: 512, Length: 1024}
	require.NoError(t, front.PushRequest(&req))

	n, err := back.RequestsAvailable()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n, "unpublished request must not be visible")

	assert.True(t, front.Publish(), "backend armed req_event=1, first publish notifies")

	n, err = back.RequestsAvailable()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	var got proto.Request
	require.NoError(t, back.Pop(&got))
	assert.Equal(t, req, got)
	assert.Equal(t, uint32(1), back.Consumed())

	require.NoError(t, back.PushResponse(&proto.Response{ID: 42, Result: proto.ResultOK}))
	assert.Equal(t, uint32(0), front.ResponsesAvailable(), "unpublished response must not be visible")
	assert.True(t, back.FinalizeAndNotify())

	var rsp proto.Response
	require.NoError(t, front.PopResponse(&rsp))
	assert.Equal(t, uint32(42), rsp.ID)
	assert.Equal(t, uint32(0), front.Outstanding())
}

func TestPeekDoesNotConsume(t *testing.T) {
	front, back, _ := newPair(t, 1)
	require.NoError(t, front.PushRequest(&proto.Request{ID: 1, Op: proto.OpCommand}))
	front.Publish()

	var a, b proto.Request
	require.NoError(t, back.Peek(&a))
	require.NoError(t, back.Peek(&b))
	assert.Equal(t, a, b)
	assert.Equal(t, uint32(0), back.Consumed())

	back.Advance()
	assert.ErrorIs(t, back.Peek(&a), ErrEmpty)
}

func TestPeekCopiesSlot(t *testing.T) {
	front, back, mem := newPair(t, 1)
	require.NoError(t, front.PushRequest(&proto.Request{ID: 7, Op: proto.OpCommand, NrSegments: 2}))
	front.Publish()

	var req proto.Request
	require.NoError(t, back.Peek(&req))

	// guest scribbles over the slot after the backend read it
	mem[HeaderSize+6] = 200
	assert.Equal(t, uint8(2), req.NrSegments)
}

func TestOverflowDetected(t *testing.T) {
	_, back, mem := newPair(t, 1)
	s, err := attach(mem)
	require.NoError(t, err)

	s.store(offReqProd, back.Size()+1)
	_, err = back.RequestsAvailable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverflow))
	assert.True(t, back.Faulted())

	// faulted rings stay faulted
	s.store(offReqProd, 0)
	_, err = back.RequestsAvailable()
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFullRingIsNotOverflow(t *testing.T) {
	front, back, _ := newPair(t, 1)
	for i := uint32(0); i < front.Size(); i++ {
		require.NoError(t, front.PushRequest(&proto.Request{ID: i, Op: proto.OpCommand}))
	}
	assert.ErrorIs(t, front.PushRequest(&proto.Request{}), ErrFull)
	front.Publish()

	n, err := back.RequestsAvailable()
	require.NoError(t, err)
	assert.Equal(t, back.Size(), n)
}

func TestIndexAccountingAcrossWrap(t *testing.T) {
	front, back, _ := newPair(t, 1)
	size := front.Size()

	var id uint32
	for round := 0; round < 5; round++ {
		for i := uint32(0); i < size-1; i++ {
			require.NoError(t, front.PushRequest(&proto.Request{ID: id, Op: proto.OpCommand}))
			id++
		}
		front.Publish()

		for {
			n, err := back.RequestsAvailable()
			require.NoError(t, err)
			assert.LessOrEqual(t, n, size)
			if n == 0 {
				break
			}
			var req proto.Request
			require.NoError(t, back.Pop(&req))
			require.NoError(t, back.PushResponse(&proto.Response{ID: req.ID}))
		}
		back.FinalizeAndNotify()

		for front.ResponsesAvailable() > 0 {
			var rsp proto.Response
			require.NoError(t, front.PopResponse(&rsp))
		}
		assert.Equal(t, back.Consumed(), back.Produced())
	}
	assert.Equal(t, id, back.Consumed())
}

func TestPushResponseWithoutRequest(t *testing.T) {
	_, back, _ := newPair(t, 1)
	assert.ErrorIs(t, back.PushResponse(&proto.Response{}), ErrFull)
}

func TestNotificationElision(t *testing.T) {
	front, back, _ := newPair(t, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, front.PushRequest(&proto.Request{ID: uint32(i), Op: proto.OpCommand}))
	}
	assert.True(t, front.Publish())

	// Backend has not re-armed req_event, so further publishes stay quiet.
	require.NoError(t, front.PushRequest(&proto.Request{ID: 3, Op: proto.OpCommand}))
	assert.False(t, front.Publish())

	var req proto.Request
	for i := 0; i < 4; i++ {
		require.NoError(t, back.Pop(&req))
	}
	more, err := back.FinalCheck()
	require.NoError(t, err)
	assert.False(t, more)

	// Armed again: the next publish notifies.
	require.NoError(t, front.PushRequest(&proto.Request{ID: 4, Op: proto.OpCommand}))
	assert.True(t, front.Publish())
}

func TestResponseNotificationElision(t *testing.T) {
	front, back, _ := newPair(t, 1)
	for i := 0; i < 2; i++ {
		require.NoError(t, front.PushRequest(&proto.Request{ID: uint32(i), Op: proto.OpCommand}))
	}
	front.Publish()

	var req proto.Request
	require.NoError(t, back.Pop(&req))
	require.NoError(t, back.Pop(&req))

	require.NoError(t, back.PushResponse(&proto.Response{ID: 0}))
	assert.True(t, back.FinalizeAndNotify())

	// Guest has not consumed or re-armed.
	require.NoError(t, back.PushResponse(&proto.Response{ID: 1}))
	assert.False(t, back.FinalizeAndNotify())

	assert.True(t, front.FinalCheck(), "responses already pending")
	var rsp proto.Response
	require.NoError(t, front.PopResponse(&rsp))
	require.NoError(t, front.PopResponse(&rsp))
	assert.False(t, front.FinalCheck())
}

func TestFinalCheckSeesLateRequest(t *testing.T) {
	front, back, _ := newPair(t, 1)
	require.NoError(t, front.PushRequest(&proto.Request{ID: 1, Op: proto.OpCommand}))
	front.Publish()

	more, err := back.FinalCheck()
	require.NoError(t, err)
	assert.True(t, more)
}

func TestFinalizeWithoutPushes(t *testing.T) {
	_, back, _ := newPair(t, 1)
	assert.False(t, back.FinalizeAndNotify())
}
