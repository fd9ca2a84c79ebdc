package executor

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

type completion struct {
	result   int32
	residual uint32
	sense    []byte
}

func submit(t *testing.T, e *SCSI, cmd *interfaces.Command) <-chan completion {
	t.Helper()
	ch := make(chan completion, 1)
	err := e.Submit(cmd, func(result int32, residual uint32, sense []byte) {
		ch <- completion{result, residual, append([]byte(nil), sense...)}
	})
	require.NoError(t, err)
	return ch
}

func wait(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete")
		return completion{}
	}
}

func run(t *testing.T, e *SCSI, cmd *interfaces.Command) completion {
	t.Helper()
	return wait(t, submit(t, e, cmd))
}

func newDisk(t *testing.T, config Config, readOnly bool) *SCSI {
	t.Helper()
	e := New(config)
	require.NoError(t, e.Attach("disk0", NewMemory(1<<20), readOnly))
	t.Cleanup(func() { e.Close() })
	return e
}

func command(tag uint64, cdb []byte, dir proto.Direction, segs ...[]byte) *interfaces.Command {
	return &interfaces.Command{Tag: tag, ID: uint32(tag), Device: "disk0", CDB: cdb, Direction: dir, Segments: segs}
}

func TestTestUnitReady(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	c := run(t, e, command(1, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone))
	assert.Equal(t, proto.ResultOK, c.result)
	assert.Zero(t, c.residual)
}

func TestInquiry(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	buf := make([]byte, 64)
	c := run(t, e, command(1, []byte{proto.ScsiInquiry, 0, 0, 0, inquiryLength, 0}, proto.DirFromDevice, buf))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, uint32(64-inquiryLength), c.residual)
	assert.Equal(t, "PVBACK  ", string(buf[8:16]))
	assert.Equal(t, "VIRTUAL DISK    ", string(buf[16:32]))

	// allocation length truncates the payload
	short := make([]byte, 64)
	c = run(t, e, command(2, []byte{proto.ScsiInquiry, 0, 0, 0, 8, 0}, proto.DirFromDevice, short))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, uint32(56), c.residual)

	// VPD pages are refused
	c = run(t, e, command(3, []byte{proto.ScsiInquiry, 1, 0x80, 0, 64, 0}, proto.DirFromDevice, make([]byte, 64)))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.SenseIllegalRequest), proto.SenseKey(c.sense))
	assert.Equal(t, uint8(proto.AscInvalidFieldInCDB), proto.SenseASC(c.sense))
}

func TestReadCapacity(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	buf := make([]byte, 8)
	c := run(t, e, command(1, []byte{proto.ScsiReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, proto.DirFromDevice, buf))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, uint32((1<<20)/BlockSize-1), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(BlockSize), binary.BigEndian.Uint32(buf[4:8]))
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)

	data := bytes.Repeat([]byte{0xab, 0xcd}, BlockSize)
	c := run(t, e, command(1, proto.Write10(2, 2), proto.DirToDevice, data[:700], data[700:]))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Zero(t, c.residual)

	a, b := make([]byte, BlockSize), make([]byte, BlockSize)
	c = run(t, e, command(2, proto.Read10(2, 2), proto.DirFromDevice, a, b))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Zero(t, c.residual)
	assert.Equal(t, data, append(a, b...))

	// a short guest buffer bounds the transfer
	small := make([]byte, 100)
	c = run(t, e, command(3, proto.Read10(2, 1), proto.DirFromDevice, small))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Zero(t, c.residual)
	assert.Equal(t, data[:100], small)
}

func TestOutOfRange(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	last := uint32((1<<20)/BlockSize - 1)
	c := run(t, e, command(1, proto.Read10(last, 2), proto.DirFromDevice, make([]byte, 2*BlockSize)))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.AscLBAOutOfRange), proto.SenseASC(c.sense))
	assert.Equal(t, uint32(2*BlockSize), c.residual)
}

func TestReadOnly(t *testing.T) {
	e := newDisk(t, DefaultConfig(), true)
	c := run(t, e, command(1, proto.Write10(0, 1), proto.DirToDevice, make([]byte, BlockSize)))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.SenseDataProtect), proto.SenseKey(c.sense))

	buf := make([]byte, 4)
	c = run(t, e, command(2, []byte{proto.ScsiModeSense6, 0, 0x3f, 0, 4, 0}, proto.DirFromDevice, buf))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, byte(modeSenseWPBit), buf[2])
}

func TestUnknownOpcodeAndDevice(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	c := run(t, e, command(1, []byte{0xff, 0, 0, 0, 0, 0}, proto.DirNone))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.AscInvalidOpcode), proto.SenseASC(c.sense))

	cmd := command(2, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone)
	cmd.Device = "absent"
	c = run(t, e, cmd)
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.AscLUNNotSupported), proto.SenseASC(c.sense))
}

func TestAttachDetach(t *testing.T) {
	e := New(DefaultConfig())
	defer e.Close()
	require.NoError(t, e.Attach("b", NewMemory(4096), false))
	require.NoError(t, e.Attach("a", NewMemory(4096), false))
	assert.ErrorIs(t, e.Attach("a", NewMemory(4096), false), ErrExists)
	assert.Equal(t, []string{"a", "b"}, e.Devices())

	s, err := e.Detach("a")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), s.Size())
	_, err = e.Detach("a")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestLatency(t *testing.T) {
	e := newDisk(t, Config{Latency: 20 * time.Millisecond}, false)
	ch := submit(t, e, command(1, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone))
	assert.Equal(t, 1, e.Stats().Pending)

	c := wait(t, ch)
	assert.Equal(t, proto.ResultOK, c.result)
	st := e.Stats()
	assert.Equal(t, uint64(1), st.Completed)
	assert.Zero(t, st.Pending)
}

func TestCancel(t *testing.T) {
	e := newDisk(t, Config{Latency: time.Hour}, false)
	ch := submit(t, e, command(7, proto.Read10(0, 1), proto.DirFromDevice, make([]byte, BlockSize)))

	require.NoError(t, e.Cancel(7))
	c := wait(t, ch)
	assert.Equal(t, proto.ResultAborted, c.result)
	assert.Equal(t, uint32(BlockSize), c.residual)
	assert.ErrorIs(t, e.Cancel(7), interfaces.ErrNotFound)
	assert.Equal(t, uint64(1), e.Stats().Cancelled)
}

func TestDuplicateTag(t *testing.T) {
	e := newDisk(t, Config{Latency: time.Hour}, false)
	submit(t, e, command(7, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone))
	err := e.Submit(command(7, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone),
		func(int32, uint32, []byte) { t.Error("completion of refused command") })
	assert.ErrorIs(t, err, interfaces.ErrExecutorBusy)
}

func TestTimeout(t *testing.T) {
	e := newDisk(t, Config{Latency: time.Hour}, false)
	cmd := command(1, []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}, proto.DirNone)
	cmd.Timeout = 10 * time.Millisecond

	c := wait(t, submit(t, e, cmd))
	assert.Equal(t, proto.ResultTimeout, c.result)
	assert.Equal(t, uint64(1), e.Stats().TimedOut)
	// the command is gone once it timed out
	assert.ErrorIs(t, e.Cancel(1), interfaces.ErrNotFound)
}

func TestResetAbortsDevice(t *testing.T) {
	e := New(Config{Latency: time.Hour})
	require.NoError(t, e.Attach("disk0", NewMemory(4096), false))
	require.NoError(t, e.Attach("disk1", NewMemory(4096), false))

	tur := []byte{proto.ScsiTestUnitReady, 0, 0, 0, 0, 0}
	a := submit(t, e, command(1, tur, proto.DirNone))
	b := submit(t, e, command(2, tur, proto.DirNone))
	other := command(3, tur, proto.DirNone)
	other.Device = "disk1"
	c := submit(t, e, other)

	require.NoError(t, e.Reset("disk0"))
	assert.Equal(t, proto.ResultAborted, wait(t, a).result)
	assert.Equal(t, proto.ResultAborted, wait(t, b).result)
	assert.Equal(t, 1, e.Stats().Pending)

	assert.ErrorIs(t, e.Reset("absent"), interfaces.ErrNotFound)

	// close aborts the rest and refuses new work
	require.NoError(t, e.Close())
	assert.Equal(t, proto.ResultAborted, wait(t, c).result)
	err := e.Submit(command(4, tur, proto.DirNone), func(int32, uint32, []byte) {})
	assert.ErrorIs(t, err, interfaces.ErrClosed)
	assert.NoError(t, e.Close())
}

func TestUnmap(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	data := bytes.Repeat([]byte{0x5a}, 2*BlockSize)
	c := run(t, e, command(1, proto.Write10(4, 2), proto.DirToDevice, data))
	require.Equal(t, proto.ResultOK, c.result)

	params := make([]byte, unmapHeaderLen+unmapDescriptorLen)
	binary.BigEndian.PutUint16(params[0:2], uint16(len(params)-2))
	binary.BigEndian.PutUint16(params[2:4], unmapDescriptorLen)
	binary.BigEndian.PutUint64(params[8:16], 4)
	binary.BigEndian.PutUint32(params[16:20], 1)
	cdb := []byte{proto.ScsiUnmap, 0, 0, 0, 0, 0, 0, 0, byte(len(params)), 0}
	c = run(t, e, command(2, cdb, proto.DirToDevice, params))
	require.Equal(t, proto.ResultOK, c.result)

	got := make([]byte, 2*BlockSize)
	c = run(t, e, command(3, proto.Read10(4, 2), proto.DirFromDevice, got))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, make([]byte, BlockSize), got[:BlockSize])
	assert.Equal(t, data[BlockSize:], got[BlockSize:])

	// out of range descriptors are refused
	binary.BigEndian.PutUint64(params[8:16], 1<<40)
	c = run(t, e, command(4, cdb, proto.DirToDevice, params))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.AscLBAOutOfRange), proto.SenseASC(c.sense))
}

func TestDirectionMismatchRejected(t *testing.T) {
	e := newDisk(t, DefaultConfig(), false)
	disk := bytes.Repeat([]byte("DISK-CONTENT"), BlockSize/8)[:BlockSize]
	c := run(t, e, command(1, proto.Write10(0, 1), proto.DirToDevice, disk))
	require.Equal(t, proto.ResultOK, c.result)

	dataIn := []struct {
		name string
		cdb  []byte
	}{
		{"read10", proto.Read10(0, 1)},
		{"inquiry", []byte{proto.ScsiInquiry, 0, 0, 0, inquiryLength, 0}},
		{"read capacity", []byte{proto.ScsiReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"mode sense", []byte{proto.ScsiModeSense6, 0, 0x3f, 0, 4, 0}},
	}
	for i, tt := range dataIn {
		for _, dir := range []proto.Direction{proto.DirToDevice, proto.DirNone} {
			t.Run(tt.name+"/"+dir.String(), func(t *testing.T) {
				page := make([]byte, BlockSize)
				copy(page, "guest-data!!")
				c := run(t, e, command(uint64(10+i), tt.cdb, dir, page))
				assert.Equal(t, proto.ResultCheckCondition, c.result)
				assert.Equal(t, uint8(proto.SenseIllegalRequest), proto.SenseKey(c.sense))
				assert.Equal(t, uint8(proto.AscInvalidFieldInCDB), proto.SenseASC(c.sense))
				assert.Equal(t, uint32(BlockSize), c.residual)
				assert.Equal(t, []byte("guest-data!!"), page[:12])
			})
		}
	}

	// a write whose buffers are meant to receive data is refused too
	c = run(t, e, command(20, proto.Write10(0, 1), proto.DirFromDevice, make([]byte, BlockSize)))
	assert.Equal(t, proto.ResultCheckCondition, c.result)
	assert.Equal(t, uint8(proto.AscInvalidFieldInCDB), proto.SenseASC(c.sense))

	got := make([]byte, BlockSize)
	c = run(t, e, command(21, proto.Read10(0, 1), proto.DirBidirectional, got))
	require.Equal(t, proto.ResultOK, c.result)
	assert.Equal(t, disk, got)
}
