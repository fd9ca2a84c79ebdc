package proto

import "encoding/binary"

// MarshalRequest encodes req into buf, which must hold RequestSize bytes
func MarshalRequest(buf []byte, req *Request) error {
	if len(buf) < RequestSize {
		return ErrInsufficientData
	}

	binary.LittleEndian.PutUint32(buf[offReqID:], req.ID)
	buf[offReqOp] = byte(req.Op)
	buf[offReqDir] = byte(req.Direction)
	buf[offReqNrSegs] = req.NrSegments
	buf[offReqNrSegs+1] = 0
	binary.LittleEndian.PutUint16(buf[offReqCmdLen:], req.CmdLen)
	binary.LittleEndian.PutUint16(buf[offReqTimeout:], req.TimeoutSecs)
	binary.LittleEndian.PutUint16(buf[offReqChannel:], req.Addr.Channel)
	binary.LittleEndian.PutUint16(buf[offReqTarget:], req.Addr.Target)
	binary.LittleEndian.PutUint16(buf[offReqLUN:], req.Addr.LUN)
	binary.LittleEndian.PutUint16(buf[offReqLUN+2:], 0)
	binary.LittleEndian.PutUint32(buf[offReqRefID:], req.RefID)
	copy(buf[offReqCmd:offReqSegments], req.Cmd[:])

	for i := range req.Segments {
		off := offReqSegments + i*SegmentSize
		binary.LittleEndian.PutUint32(buf[off:], req.Segments[i].GrantRef)
		binary.LittleEndian.PutUint16(buf[off+4:], req.Segments[i].Offset)
		binary.LittleEndian.PutUint16(buf[off+6:], req.Segments[i].Length)
	}
	return nil
}

// UnmarshalRequest decodes a request slot. The slot is copied field by field
// so later writes by the guest cannot change what was validated.
func UnmarshalRequest(data []byte, req *Request) error {
	if len(data) < RequestSize {
		return ErrInsufficientData
	}

	req.ID = binary.LittleEndian.Uint32(data[offReqID:])
	req.Op = Op(data[offReqOp])
	req.Direction = Direction(data[offReqDir])
	req.NrSegments = data[offReqNrSegs]
	req.CmdLen = binary.LittleEndian.Uint16(data[offReqCmdLen:])
	req.TimeoutSecs = binary.LittleEndian.Uint16(data[offReqTimeout:])
	req.Addr.Channel = binary.LittleEndian.Uint16(data[offReqChannel:])
	req.Addr.Target = binary.LittleEndian.Uint16(data[offReqTarget:])
	req.Addr.LUN = binary.LittleEndian.Uint16(data[offReqLUN:])
	req.RefID = binary.LittleEndian.Uint32(data[offReqRefID:])
	copy(req.Cmd[:], data[offReqCmd:offReqSegments])

	for i := range req.Segments {
		off := offReqSegments + i*SegmentSize
		req.Segments[i].GrantRef = binary.LittleEndian.Uint32(data[off:])
		req.Segments[i].Offset = binary.LittleEndian.Uint16(data[off+4:])
		req.Segments[i].Length = binary.LittleEndian.Uint16(data[off+6:])
	}
	return nil
}

// MarshalResponse encodes rsp into buf, which must hold ResponseSize bytes
func MarshalResponse(buf []byte, rsp *Response) error {
	if len(buf) < ResponseSize {
		return ErrInsufficientData
	}

	binary.LittleEndian.PutUint32(buf[offRspID:], rsp.ID)
	binary.LittleEndian.PutUint32(buf[offRspResult:], uint32(rsp.Result))
	binary.LittleEndian.PutUint32(buf[offRspResidual:], rsp.Residual)
	buf[offRspSenseLen] = rsp.SenseLen
	buf[offRspSenseLen+1] = 0
	buf[offRspSenseLen+2] = 0
	buf[offRspSenseLen+3] = 0
	copy(buf[offRspSense:ResponseSize], rsp.Sense[:])
	return nil
}

// UnmarshalResponse decodes a response slot
func UnmarshalResponse(data []byte, rsp *Response) error {
	if len(data) < ResponseSize {
		return ErrInsufficientData
	}

	rsp.ID = binary.LittleEndian.Uint32(data[offRspID:])
	rsp.Result = int32(binary.LittleEndian.Uint32(data[offRspResult:]))
	rsp.Residual = binary.LittleEndian.Uint32(data[offRspResidual:])
	rsp.SenseLen = data[offRspSenseLen]
	copy(rsp.Sense[:], data[offRspSense:ResponseSize])
	return nil
}
