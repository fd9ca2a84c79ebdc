// Package grant maps guest pages into the backend's address space through a
// hypervisor grant table, one request's segment list at a time.
package grant

import (
	"errors"
	"fmt"
)

// Status is the per-entry outcome reported by the hypervisor
type Status int16

const (
	StatusOK               Status = 0
	StatusGeneralError     Status = -1
	StatusBadDomain        Status = -2
	StatusBadRef           Status = -3
	StatusBadHandle        Status = -4
	StatusPermissionDenied Status = -8
	StatusBadPage          Status = -9
	StatusEAgain           Status = -12
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "okay"
	case StatusGeneralError:
		return "general error"
	case StatusBadDomain:
		return "bad domain"
	case StatusBadRef:
		return "bad grant reference"
	case StatusBadHandle:
		return "bad handle"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusBadPage:
		return "bad page"
	case StatusEAgain:
		return "eagain"
	default:
		return fmt.Sprintf("status %d", int16(s))
	}
}

// MapOp is one entry of a batched map call. The hypervisor fills Addr,
// Handle and Status.
type MapOp struct {
	Domain   uint16
	Ref      uint32
	ReadOnly bool

	Addr   []byte
	Handle uint32
	Status Status
}

// UnmapOp is one entry of a batched unmap call
type UnmapOp struct {
	Handle uint32
	Status Status
}

// Hypervisor is the grant-table contract. Both calls process every entry
// and report per-entry status; the returned error is reserved for failure of
// the call itself.
type Hypervisor interface {
	MapGrants(ops []MapOp) error
	UnmapGrants(ops []UnmapOp) error
}

// Handle identifies a live mapping. The zero Handle is "not mapped".
type Handle struct {
	raw uint32
	ok  bool
}

// Valid reports whether h refers to a mapping
func (h Handle) Valid() bool {
	return h.ok
}

func (h Handle) String() string {
	if !h.ok {
		return "unmapped"
	}
	return fmt.Sprintf("%#x", h.raw)
}

// Mapping is one mapped segment page. Addr and Handle are either both set or
// both zero.
type Mapping struct {
	Addr   []byte
	Handle Handle
}

// Mapped reports whether the mapping is live
func (m Mapping) Mapped() bool {
	return m.Handle.ok
}

var (
	// ErrMapFailed means at least one entry of a batch could not be mapped.
	// Entries that did map are still live and must be unmapped.
	ErrMapFailed = errors.New("grant map failed")
	// ErrDuplicateRef means a batch named the same grant reference twice
	ErrDuplicateRef = errors.New("duplicate grant reference in batch")
	// ErrNotContiguous means ring pages did not map to one contiguous area
	ErrNotContiguous = errors.New("ring pages not contiguous")
)

// EntryError reports the first failed entry of a batch
type EntryError struct {
	Index  int
	Ref    uint32
	Status Status
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("grant ref %d (entry %d): %s", e.Ref, e.Index, e.Status)
}

func (e *EntryError) Unwrap() error {
	return ErrMapFailed
}
