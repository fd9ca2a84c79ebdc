package pvback

import (
	"github.com/ehrlich-b/go-pvback/internal/constants"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// Re-export constants for public API
const (
	DefaultPoolSize       = constants.DefaultPoolSize
	DefaultMaxSegments    = constants.DefaultMaxSegments
	MaxSegmentsPerRequest = constants.MaxSegmentsPerRequest
	MaxCommandSize        = constants.MaxCommandSize
	SenseBufferSize       = constants.SenseBufferSize
	PageSize              = constants.PageSize
	MaxRingPages          = constants.MaxRingPages
	DefaultCommandTimeout = constants.DefaultCommandTimeout
)

// Op is a ring request operation
type Op = proto.Op

const (
	OpCommand   = proto.OpCommand
	OpAbort     = proto.OpAbort
	OpReset     = proto.OpReset
	OpSegPreset = proto.OpSegPreset
)

// Direction is a command's data transfer direction
type Direction = proto.Direction

const (
	DirBidirectional = proto.DirBidirectional
	DirToDevice      = proto.DirToDevice
	DirFromDevice    = proto.DirFromDevice
	DirNone          = proto.DirNone
)

// Response result codes
const (
	ResultOK             = proto.ResultOK
	ResultNoDevice       = proto.ResultNoDevice
	ResultInvalid        = proto.ResultInvalid
	ResultIOError        = proto.ResultIOError
	ResultTimeout        = proto.ResultTimeout
	ResultAborted        = proto.ResultAborted
	ResultCheckCondition = proto.ResultCheckCondition
	ResultTaskSuccess    = proto.ResultTaskSuccess
	ResultTaskFailed     = proto.ResultTaskFailed
)

// DevAddr is a virtual device address (channel:target:lun)
type DevAddr = proto.DevAddr
