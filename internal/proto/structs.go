package proto

import "fmt"

// DevAddr is the virtual device address a guest uses to name a device
type DevAddr struct {
	Channel uint16
	Target  uint16
	LUN     uint16
}

func (a DevAddr) String() string {
	return fmt.Sprintf("%d:%d:%d", a.Channel, a.Target, a.LUN)
}

// ParseDevAddr parses "channel:target:lun"
func ParseDevAddr(s string) (DevAddr, error) {
	var a DevAddr
	n, err := fmt.Sscanf(s, "%d:%d:%d", &a.Channel, &a.Target, &a.LUN)
	if err != nil || n != 3 {
		return DevAddr{}, fmt.Errorf("invalid device address %q", s)
	}
	return a, nil
}

// Segment describes one slice of a granted guest page
type Segment struct {
	GrantRef uint32 // grant reference of the page
	Offset   uint16 // byte offset within the page
	Length   uint16 // byte length, offset+length <= PageSize
}

// Request is the decoded form of a request slot
type Request struct {
	ID          uint32
	Op          Op
	Direction   Direction
	NrSegments  uint8
	CmdLen      uint16
	TimeoutSecs uint16
	Addr        DevAddr
	RefID       uint32 // request id targeted by OpAbort
	Cmd         [MaxCommandSize]byte
	Segments    [MaxSegmentsPerRequest]Segment
}

// Command returns the valid portion of the command bytes.
// Callers must have validated CmdLen.
func (r *Request) Command() []byte {
	return r.Cmd[:r.CmdLen]
}

// SegmentList returns the valid segment descriptors.
// Callers must have validated NrSegments.
func (r *Request) SegmentList() []Segment {
	return r.Segments[:r.NrSegments]
}

// DataLength is the total byte length described by the segments
func (r *Request) DataLength() uint32 {
	var total uint32
	for _, s := range r.SegmentList() {
		total += uint32(s.Length)
	}
	return total
}

// Validate checks every field against its declared bound. maxSegments is the
// negotiated per-request segment limit.
func (r *Request) Validate(maxSegments int) error {
	switch r.Op {
	case OpCommand, OpAbort, OpReset:
	case OpSegPreset:
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, r.Op)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, r.Op)
	}
	if maxSegments > MaxSegmentsPerRequest {
		maxSegments = MaxSegmentsPerRequest
	}
	if int(r.NrSegments) > maxSegments {
		return fmt.Errorf("%w: %d > %d", ErrTooManySegments, r.NrSegments, maxSegments)
	}
	if r.CmdLen > MaxCommandSize {
		return fmt.Errorf("%w: %d > %d", ErrCommandTooLong, r.CmdLen, MaxCommandSize)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: %d", ErrBadDirection, r.Direction)
	}
	for i, s := range r.SegmentList() {
		if s.Length == 0 || int(s.Offset)+int(s.Length) > PageSize {
			return fmt.Errorf("%w: segment %d offset=%d length=%d", ErrSegmentBounds, i, s.Offset, s.Length)
		}
	}
	return nil
}

// Response is the decoded form of a response slot
type Response struct {
	ID       uint32
	Result   int32
	Residual uint32
	SenseLen uint8
	Sense    [SenseBufferSize]byte
}

// SetSense copies sense data into the response, truncating to SenseBufferSize
func (r *Response) SetSense(sense []byte) {
	n := copy(r.Sense[:], sense)
	r.SenseLen = uint8(n)
}

// SenseBytes returns the valid sense bytes
func (r *Response) SenseBytes() []byte {
	n := int(r.SenseLen)
	if n > SenseBufferSize {
		n = SenseBufferSize
	}
	return r.Sense[:n]
}
