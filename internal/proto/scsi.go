package proto

import "encoding/binary"

// SCSI operation codes understood by the backend and the bundled executors
const (
	ScsiTestUnitReady  = 0x00
	ScsiInquiry        = 0x12
	ScsiModeSense6     = 0x1a
	ScsiReadCapacity10 = 0x25
	ScsiRead10         = 0x28
	ScsiWrite10        = 0x2a
	ScsiSyncCache10    = 0x35
	ScsiUnmap          = 0x42
	ScsiRead16         = 0x88
	ScsiWrite16        = 0x8a
	ScsiReportLuns     = 0xa0
)

// Sense keys
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseIllegalRequest = 0x05
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0b
)

// Additional sense codes used by the backend
const (
	AscInvalidOpcode     = 0x20
	AscLBAOutOfRange     = 0x21
	AscInvalidFieldInCDB = 0x24
	AscLUNNotSupported   = 0x25
	AscWriteProtected    = 0x27
	AscUnrecoveredRead   = 0x11
	AscWriteError        = 0x0c
	AscCommandTimeout    = 0x2e
	AscNoAdditionalSense = 0x00
	fixedSenseLength     = 18
	fixedSenseResponse   = 0x70
	fixedSenseAddlLength = 10
)

// FixedSense builds fixed-format sense data
func FixedSense(key, asc, ascq uint8) []byte {
	sense := make([]byte, fixedSenseLength)
	sense[0] = fixedSenseResponse
	sense[2] = key & 0x0f
	sense[7] = fixedSenseAddlLength
	sense[12] = asc
	sense[13] = ascq
	return sense
}

// SenseKey extracts the sense key from fixed-format sense data
func SenseKey(sense []byte) uint8 {
	if len(sense) < 3 {
		return SenseNoSense
	}
	return sense[2] & 0x0f
}

// SenseASC extracts the additional sense code from fixed-format sense data
func SenseASC(sense []byte) uint8 {
	if len(sense) < 13 {
		return AscNoAdditionalSense
	}
	return sense[12]
}

// ReportLunsAllocation returns the allocation length of a REPORT LUNS command
func ReportLunsAllocation(cdb []byte) uint32 {
	if len(cdb) < 10 {
		return 0
	}
	return binary.BigEndian.Uint32(cdb[6:10])
}

// EncodeReportLuns builds a REPORT LUNS parameter list for the given LUNs
// using single-level peripheral addressing.
func EncodeReportLuns(luns []uint16) []byte {
	out := make([]byte, 8+8*len(luns))
	binary.BigEndian.PutUint32(out[0:4], uint32(8*len(luns)))
	for i, lun := range luns {
		entry := out[8+8*i:]
		if lun < 256 {
			entry[1] = byte(lun)
		} else {
			// flat space addressing
			entry[0] = 0x40 | byte(lun>>8)&0x3f
			entry[1] = byte(lun)
		}
	}
	return out
}

// DecodeReportLuns parses a REPORT LUNS parameter list
func DecodeReportLuns(data []byte) []uint16 {
	if len(data) < 8 {
		return nil
	}
	n := int(binary.BigEndian.Uint32(data[0:4])) / 8
	var luns []uint16
	for i := 0; i < n && 8+8*i+8 <= len(data); i++ {
		entry := data[8+8*i:]
		luns = append(luns, uint16(entry[0]&0x3f)<<8|uint16(entry[1]))
	}
	return luns
}

// BlockRange extracts the LBA and block count of a READ/WRITE(10/16) command.
// ok is false for any other opcode or a short command.
func BlockRange(cdb []byte) (lba uint64, blocks uint32, ok bool) {
	if len(cdb) == 0 {
		return 0, 0, false
	}
	switch cdb[0] {
	case ScsiRead10, ScsiWrite10:
		if len(cdb) < 10 {
			return 0, 0, false
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9])), true
	case ScsiRead16, ScsiWrite16:
		if len(cdb) < 16 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]), true
	default:
		return 0, 0, false
	}
}

// Read10 builds a READ(10) command
func Read10(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = ScsiRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Write10 builds a WRITE(10) command
func Write10(lba uint32, blocks uint16) []byte {
	cdb := Read10(lba, blocks)
	cdb[0] = ScsiWrite10
	return cdb
}

// ReportLuns builds a REPORT LUNS command with the given allocation length
func ReportLuns(alloc uint32) []byte {
	cdb := make([]byte, 12)
	cdb[0] = ScsiReportLuns
	binary.BigEndian.PutUint32(cdb[6:10], alloc)
	return cdb
}
