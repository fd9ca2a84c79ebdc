package proto

import (
	"fmt"

	"github.com/ehrlich-b/go-pvback/internal/constants"
)

// Slot sizes. Requests and responses share ring slots, so a slot is as large
// as the bigger of the two.
const (
	RequestSize  = 408
	ResponseSize = 112
	SlotSize     = RequestSize

	// SegmentSize is the encoded size of one segment descriptor
	SegmentSize = 8

	MaxCommandSize        = constants.MaxCommandSize
	MaxSegmentsPerRequest = constants.MaxSegmentsPerRequest
	SenseBufferSize       = constants.SenseBufferSize
	PageSize              = constants.PageSize
)

// Request field offsets
const (
	offReqID       = 0
	offReqOp       = 4
	offReqDir      = 5
	offReqNrSegs   = 6
	offReqCmdLen   = 8
	offReqTimeout  = 10
	offReqChannel  = 12
	offReqTarget   = 14
	offReqLUN      = 16
	offReqRefID    = 20
	offReqCmd      = 24
	offReqSegments = offReqCmd + MaxCommandSize
	endReqSegments = offReqSegments + MaxSegmentsPerRequest*SegmentSize
)

// Response field offsets
const (
	offRspID       = 0
	offRspResult   = 4
	offRspResidual = 8
	offRspSenseLen = 12
	offRspSense    = 16
)

// Compile-time layout checks
var _ [RequestSize]byte = [endReqSegments]byte{}
var _ [ResponseSize]byte = [offRspSense + SenseBufferSize]byte{}

// Op is the request operation code
type Op uint8

const (
	OpCommand   Op = 1 // execute the carried command bytes
	OpAbort     Op = 2 // cancel the outstanding request named by RefID
	OpReset     Op = 3 // reset the addressed device
	OpSegPreset Op = 4 // latch segments for a following command (not supported)
)

func (o Op) String() string {
	switch o {
	case OpCommand:
		return "cdb"
	case OpAbort:
		return "abort"
	case OpReset:
		return "reset"
	case OpSegPreset:
		return "seg_preset"
	default:
		return fmt.Sprintf("op_%d", uint8(o))
	}
}

// Direction is the data transfer direction as seen from the device
type Direction uint8

const (
	DirBidirectional Direction = 0
	DirToDevice      Direction = 1 // guest buffers are read by the backend
	DirFromDevice    Direction = 2 // guest buffers are written by the backend
	DirNone          Direction = 3
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d <= DirNone
}

// ReadOnly reports whether guest pages only need to be mapped read-only
func (d Direction) ReadOnly() bool {
	return d == DirToDevice
}

// DataIn reports whether the device may write guest buffers
func (d Direction) DataIn() bool {
	return d == DirFromDevice || d == DirBidirectional
}

// DataOut reports whether the device may read guest buffers
func (d Direction) DataOut() bool {
	return d == DirToDevice || d == DirBidirectional
}

func (d Direction) String() string {
	switch d {
	case DirBidirectional:
		return "bidirectional"
	case DirToDevice:
		return "to_device"
	case DirFromDevice:
		return "from_device"
	case DirNone:
		return "none"
	default:
		return fmt.Sprintf("dir_%d", uint8(d))
	}
}

// Host byte values carried in bits 16-23 of a result
const (
	HostOK        = 0x00
	HostNoConnect = 0x01
	HostBusBusy   = 0x02
	HostTimeOut   = 0x03
	HostBadTarget = 0x04
	HostAbort     = 0x05
	HostError     = 0x07
	HostReset     = 0x08
)

// Status byte values carried in bits 0-7 of a result
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
	StatusBusy           = 0x08
)

// Result codes written into responses
const (
	ResultOK             int32 = 0
	ResultNoDevice       int32 = HostNoConnect << 16
	ResultInvalid        int32 = HostError << 16
	ResultIOError        int32 = HostBadTarget << 16
	ResultTimeout        int32 = HostTimeOut << 16
	ResultAborted        int32 = HostAbort << 16
	ResultCheckCondition int32 = StatusCheckCondition

	// Task management outcomes for abort and reset
	ResultTaskSuccess int32 = 0x2002
	ResultTaskFailed  int32 = 0x2003
)

// HostByte extracts the host byte of a result
func HostByte(result int32) uint8 {
	return uint8(result >> 16)
}

// StatusByte extracts the status byte of a result
func StatusByte(result int32) uint8 {
	return uint8(result)
}
