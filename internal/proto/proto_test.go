package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncoding(t *testing.T) {
	req := Request{
		ID:          0xdeadbeef,
		Op:          OpCommand,
		Direction:   DirFromDevice,
		NrSegments:  3,
		CmdLen:      MaxCommandSize,
		TimeoutSecs: 30,
		Addr:        DevAddr{Channel: 1, Target: 2, LUN: 3},
		RefID:       17,
	}
	for i := range req.Cmd {
		req.Cmd[i] = byte(i)
	}
	for i := 0; i < 3; i++ {
		req.Segments[i] = Segment{GrantRef: uint32(100 + i), Offset: uint16(i * 8), Length: 512}
	}

	buf := make([]byte, RequestSize)
	require.NoError(t, MarshalRequest(buf, &req))

	// spot-check the fixed layout
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buf[0:4])
	assert.Equal(t, byte(OpCommand), buf[4])
	assert.Equal(t, byte(DirFromDevice), buf[5])
	assert.Equal(t, byte(3), buf[6])
	assert.Equal(t, []byte{0, 1}, buf[8:10])
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, buf[12:18])
	assert.Equal(t, byte(255), buf[24+255])
	assert.Equal(t, []byte{101, 0, 0, 0, 8, 0, 0, 2}, buf[288:296])

	var got Request
	require.NoError(t, UnmarshalRequest(buf, &got))
	assert.Equal(t, req, got)
	assert.Len(t, got.Command(), MaxCommandSize)
	assert.Len(t, got.SegmentList(), 3)
	assert.Equal(t, uint32(1536), got.DataLength())
}

func TestResponseEncoding(t *testing.T) {
	rsp := Response{ID: 5, Result: ResultCheckCondition, Residual: 4096}
	rsp.SetSense(FixedSense(SenseIllegalRequest, AscInvalidOpcode, 0))

	buf := make([]byte, ResponseSize)
	require.NoError(t, MarshalResponse(buf, &rsp))
	assert.Equal(t, byte(18), buf[12])

	var got Response
	require.NoError(t, UnmarshalResponse(buf, &got))
	assert.Equal(t, rsp, got)
	assert.Equal(t, uint8(SenseIllegalRequest), SenseKey(got.SenseBytes()))
	assert.Equal(t, uint8(AscInvalidOpcode), SenseASC(got.SenseBytes()))
}

func TestShortBuffers(t *testing.T) {
	var req Request
	var rsp Response
	assert.ErrorIs(t, MarshalRequest(make([]byte, RequestSize-1), &req), ErrInsufficientData)
	assert.ErrorIs(t, UnmarshalRequest(make([]byte, 10), &req), ErrInsufficientData)
	assert.ErrorIs(t, MarshalResponse(make([]byte, ResponseSize-1), &rsp), ErrInsufficientData)
	assert.ErrorIs(t, UnmarshalResponse(nil, &rsp), ErrInsufficientData)
}

func TestSetSenseTruncates(t *testing.T) {
	var rsp Response
	rsp.SetSense(make([]byte, SenseBufferSize+20))
	assert.Equal(t, uint8(SenseBufferSize), rsp.SenseLen)
	assert.Len(t, rsp.SenseBytes(), SenseBufferSize)
}

func TestValidate(t *testing.T) {
	valid := func() Request {
		r := Request{Op: OpCommand, Direction: DirToDevice, NrSegments: 2, CmdLen: 10}
		r.Segments[0] = Segment{GrantRef: 1, Offset: 0, Length: PageSize}
		r.Segments[1] = Segment{GrantRef: 2, Offset: 100, Length: 200}
		return r
	}

	tests := []struct {
		name   string
		mutate func(*Request)
		max    int
		err    error
	}{
		{"valid", func(*Request) {}, 16, nil},
		{"segments over negotiated max", func(r *Request) { r.NrSegments = 3 }, 2, ErrTooManySegments},
		{"segments over hard max", func(r *Request) { r.NrSegments = MaxSegmentsPerRequest + 1 }, 64, ErrTooManySegments},
		{"command too long", func(r *Request) { r.CmdLen = MaxCommandSize + 1 }, 16, ErrCommandTooLong},
		{"bad direction", func(r *Request) { r.Direction = 4 }, 16, ErrBadDirection},
		{"unknown op", func(r *Request) { r.Op = 9 }, 16, ErrUnknownOp},
		{"segment preset", func(r *Request) { r.Op = OpSegPreset }, 16, ErrUnsupportedOp},
		{"crosses page", func(r *Request) { r.Segments[1].Offset = PageSize - 100 }, 16, ErrSegmentBounds},
		{"empty segment", func(r *Request) { r.Segments[0].Length = 0 }, 16, ErrSegmentBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate(tt.max)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestResultBytes(t *testing.T) {
	assert.Equal(t, uint8(HostNoConnect), HostByte(ResultNoDevice))
	assert.Equal(t, uint8(HostError), HostByte(ResultInvalid))
	assert.NotEqual(t, ResultNoDevice, ResultInvalid)
	assert.Equal(t, uint8(StatusCheckCondition), StatusByte(ResultCheckCondition))
	assert.Equal(t, uint8(0), HostByte(ResultCheckCondition))
}

func TestReportLuns(t *testing.T) {
	luns := []uint16{0, 1, 300}
	data := EncodeReportLuns(luns)
	assert.Len(t, data, 8+24)
	assert.Equal(t, []byte{0, 0, 0, 24}, data[0:4])
	assert.Equal(t, luns, DecodeReportLuns(data))

	cdb := ReportLuns(4096)
	assert.Equal(t, uint32(4096), ReportLunsAllocation(cdb))
}

func TestBlockRange(t *testing.T) {
	lba, blocks, ok := BlockRange(Read10(1000, 8))
	require.True(t, ok)
	assert.Equal(t, uint64(1000), lba)
	assert.Equal(t, uint32(8), blocks)

	cdb16 := make([]byte, 16)
	cdb16[0] = ScsiWrite16
	cdb16[9] = 5
	cdb16[13] = 2
	lba, blocks, ok = BlockRange(cdb16)
	require.True(t, ok)
	assert.Equal(t, uint64(5), lba)
	assert.Equal(t, uint32(2), blocks)

	_, _, ok = BlockRange([]byte{ScsiInquiry, 0, 0, 0, 36, 0})
	assert.False(t, ok)
	_, _, ok = BlockRange([]byte{ScsiRead10, 0})
	assert.False(t, ok)
}

func TestParseDevAddr(t *testing.T) {
	a, err := ParseDevAddr("0:1:2")
	require.NoError(t, err)
	assert.Equal(t, DevAddr{0, 1, 2}, a)
	assert.Equal(t, "0:1:2", a.String())

	_, err = ParseDevAddr("bogus")
	assert.Error(t, err)
}

func TestDirectionAccess(t *testing.T) {
	tests := []struct {
		dir               Direction
		readOnly, in, out bool
	}{
		{DirBidirectional, false, true, true},
		{DirToDevice, true, false, true},
		{DirFromDevice, false, true, false},
		{DirNone, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.dir.String(), func(t *testing.T) {
			assert.Equal(t, tt.readOnly, tt.dir.ReadOnly())
			assert.Equal(t, tt.in, tt.dir.DataIn())
			assert.Equal(t, tt.out, tt.dir.DataOut())
		})
	}
}
