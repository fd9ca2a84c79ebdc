package executor

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/queue"
)

// BlockSize is the logical block size reported for every store
const BlockSize = 512

const (
	inquiryLength     = 36
	readCapacityLen   = 8
	modeSenseLen      = 4
	modeSenseWPBit    = 0x80
	peripheralDisk    = 0x00
	inquiryVersion    = 0x06 // SPC-4
	inquiryRespFormat = 0x02
)

// outcome is the completion of one command
type outcome struct {
	result   int32
	residual uint32
	sense    []byte
}

func checkCondition(key, asc uint8, residual uint32) outcome {
	return outcome{result: proto.ResultCheckCondition, residual: residual, sense: proto.FixedSense(key, asc, 0)}
}

// disk is one attached store and its attributes
type disk struct {
	store    Store
	readOnly bool
	vendor   string
	product  string
}

// execute interprets cmd against d. It only touches cmd's segments.
func (d *disk) execute(cmd *interfaces.Command) outcome {
	total := uint32(cmd.DataLength())
	if len(cmd.CDB) == 0 {
		return checkCondition(proto.SenseIllegalRequest, proto.AscInvalidOpcode, total)
	}

	// the transfer must run the way the guest mapped its buffers
	op := cmd.CDB[0]
	if total > 0 && (dataIn(op) && !cmd.Direction.DataIn() || dataOut(op) && !cmd.Direction.DataOut()) {
		return checkCondition(proto.SenseIllegalRequest, proto.AscInvalidFieldInCDB, total)
	}

	switch op {
	case proto.ScsiTestUnitReady:
		return outcome{residual: total}
	case proto.ScsiInquiry:
		return d.inquiry(cmd, total)
	case proto.ScsiReadCapacity10:
		return d.readCapacity(cmd, total)
	case proto.ScsiModeSense6:
		return d.modeSense(cmd, total)
	case proto.ScsiSyncCache10:
		if err := d.store.Sync(); err != nil {
			return checkCondition(proto.SenseMediumError, proto.AscWriteError, total)
		}
		return outcome{residual: total}
	case proto.ScsiUnmap:
		return d.unmap(cmd, total)
	case proto.ScsiRead10, proto.ScsiRead16:
		return d.read(cmd, total)
	case proto.ScsiWrite10, proto.ScsiWrite16:
		return d.write(cmd, total)
	default:
		return checkCondition(proto.SenseIllegalRequest, proto.AscInvalidOpcode, total)
	}
}

func dataIn(op uint8) bool {
	switch op {
	case proto.ScsiInquiry, proto.ScsiReadCapacity10, proto.ScsiModeSense6, proto.ScsiRead10, proto.ScsiRead16:
		return true
	}
	return false
}

func dataOut(op uint8) bool {
	switch op {
	case proto.ScsiWrite10, proto.ScsiWrite16, proto.ScsiUnmap:
		return true
	}
	return false
}

// scatter copies a locally built payload into the segments
func scatter(cmd *interfaces.Command, payload []byte, total uint32) outcome {
	n := cmd.Scatter(payload)
	return outcome{residual: total - uint32(n)}
}

func (d *disk) inquiry(cmd *interfaces.Command, total uint32) outcome {
	// VPD pages are not supported
	if len(cmd.CDB) < 6 || cmd.CDB[1]&0x01 != 0 {
		return checkCondition(proto.SenseIllegalRequest, proto.AscInvalidFieldInCDB, total)
	}
	data := make([]byte, inquiryLength)
	data[0] = peripheralDisk
	data[2] = inquiryVersion
	data[3] = inquiryRespFormat
	data[4] = inquiryLength - 5
	copy(data[8:16], padded(d.vendor, 8))
	copy(data[16:32], padded(d.product, 16))
	copy(data[32:36], "0001")

	if alloc := int(binary.BigEndian.Uint16(cmd.CDB[3:5])); alloc < len(data) {
		data = data[:alloc]
	}
	return scatter(cmd, data, total)
}

func (d *disk) readCapacity(cmd *interfaces.Command, total uint32) outcome {
	data := make([]byte, readCapacityLen)
	blocks := uint64(d.store.Size()) / BlockSize
	last := uint32(0xffffffff)
	if blocks > 0 && blocks-1 < uint64(last) {
		last = uint32(blocks - 1)
	}
	binary.BigEndian.PutUint32(data[0:4], last)
	binary.BigEndian.PutUint32(data[4:8], BlockSize)
	return scatter(cmd, data, total)
}

func (d *disk) modeSense(cmd *interfaces.Command, total uint32) outcome {
	data := make([]byte, modeSenseLen)
	data[0] = modeSenseLen - 1
	if d.readOnly {
		data[2] = modeSenseWPBit
	}
	if len(cmd.CDB) >= 5 && int(cmd.CDB[4]) < len(data) {
		data = data[:cmd.CDB[4]]
	}
	return scatter(cmd, data, total)
}

// span validates a READ/WRITE range and returns the byte offset and length
func (d *disk) span(cmd *interfaces.Command, total uint32) (off int64, length int, o *outcome) {
	lba, blocks, ok := proto.BlockRange(cmd.CDB)
	if !ok {
		bad := checkCondition(proto.SenseIllegalRequest, proto.AscInvalidFieldInCDB, total)
		return 0, 0, &bad
	}
	capacity := uint64(d.store.Size()) / BlockSize
	if lba > capacity || uint64(blocks) > capacity-lba {
		bad := checkCondition(proto.SenseIllegalRequest, proto.AscLBAOutOfRange, total)
		return 0, 0, &bad
	}
	length = int(blocks) * BlockSize
	// the guest's buffers bound the transfer
	if length > int(total) {
		length = int(total)
	}
	return int64(lba) * BlockSize, length, nil
}

func (d *disk) read(cmd *interfaces.Command, total uint32) outcome {
	off, length, bad := d.span(cmd, total)
	if bad != nil {
		return *bad
	}
	if length == 0 {
		return outcome{residual: total}
	}

	buf := queue.GetBuffer(length)
	defer queue.PutBuffer(buf)
	n, err := d.store.ReadAt(buf, off)
	if err != nil {
		return checkCondition(proto.SenseMediumError, proto.AscUnrecoveredRead, total)
	}
	n = cmd.Scatter(buf[:n])
	return outcome{residual: total - uint32(n)}
}

func (d *disk) write(cmd *interfaces.Command, total uint32) outcome {
	if d.readOnly {
		return checkCondition(proto.SenseDataProtect, proto.AscWriteProtected, total)
	}
	off, length, bad := d.span(cmd, total)
	if bad != nil {
		return *bad
	}
	if length == 0 {
		return outcome{residual: total}
	}

	buf := queue.GetBuffer(length)
	defer queue.PutBuffer(buf)
	cmd.Gather(buf)
	n, err := d.store.WriteAt(buf, off)
	if err != nil {
		return checkCondition(proto.SenseMediumError, proto.AscWriteError, total)
	}
	return outcome{residual: total - uint32(n)}
}

// Discarder is implemented by stores that can drop a byte range
type Discarder interface {
	Discard(offset, length int64) error
}

const (
	unmapHeaderLen     = 8
	unmapDescriptorLen = 16
)

// unmap handles UNMAP with a parameter list of block descriptors
func (d *disk) unmap(cmd *interfaces.Command, total uint32) outcome {
	dis, ok := d.store.(Discarder)
	if !ok {
		return checkCondition(proto.SenseIllegalRequest, proto.AscInvalidOpcode, total)
	}
	if d.readOnly {
		return checkCondition(proto.SenseDataProtect, proto.AscWriteProtected, total)
	}
	if total < unmapHeaderLen {
		return outcome{residual: total}
	}

	params := make([]byte, total)
	cmd.Gather(params)
	n := int(binary.BigEndian.Uint16(params[2:4]))
	if n > len(params)-unmapHeaderLen {
		n = len(params) - unmapHeaderLen
	}
	capacity := uint64(d.store.Size()) / BlockSize
	descs := params[unmapHeaderLen : unmapHeaderLen+n]
	for len(descs) >= unmapDescriptorLen {
		lba := binary.BigEndian.Uint64(descs[0:8])
		blocks := uint64(binary.BigEndian.Uint32(descs[8:12]))
		if lba > capacity || blocks > capacity-lba {
			return checkCondition(proto.SenseIllegalRequest, proto.AscLBAOutOfRange, total)
		}
		if err := dis.Discard(int64(lba)*BlockSize, int64(blocks)*BlockSize); err != nil {
			return checkCondition(proto.SenseMediumError, proto.AscWriteError, total)
		}
		descs = descs[unmapDescriptorLen:]
	}
	return outcome{}
}

func padded(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}
