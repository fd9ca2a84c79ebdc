package grant

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-pvback/internal/constants"
)

const maxHandles = 1 << 16

var (
	ErrNoPages    = errors.New("grant table out of pages")
	ErrGrantBusy  = errors.New("grant still mapped")
	ErrUnknownRef = errors.New("unknown grant reference")
)

type grantEntry struct {
	page     int
	readOnly bool
	maps     int
}

type handleSlot struct {
	gen  uint16
	ref  uint32
	live bool
}

// Table is an in-process grant table: it owns the guest's pages, hands out
// grant references for them, and implements Hypervisor so a Mapper can map
// those references. Handles carry a generation so a stale handle is refused
// rather than unmapping someone else's page.
type Table struct {
	domain uint16
	arena  []byte
	// roArena aliases arena with PROT_READ; read-only maps hand it out so a
	// stray write faults instead of landing in guest memory
	roArena []byte
	npages  int

	mu          sync.Mutex
	free        *roaring.Bitmap
	granted     *roaring.Bitmap
	grants      map[uint32]*grantEntry
	nextRef     uint32
	handles     []handleSlot
	freeHandles []uint32
	transient   map[uint32]int
	hard        map[uint32]Status
	mapCalls    int
	unmapCalls  int
	live        int
}

var _ Hypervisor = (*Table)(nil)

// NewTable allocates pages of guest memory for domain
func NewTable(domain uint16, pages int) (*Table, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("grant table: invalid page count %d", pages)
	}
	arena, roArena, err := mapArena(pages * constants.PageSize)
	if err != nil {
		return nil, fmt.Errorf("grant table: map %d pages: %w", pages, err)
	}

	free := roaring.New()
	free.AddRange(0, uint64(pages))
	return &Table{
		domain:    domain,
		arena:     arena,
		roArena:   roArena,
		npages:    pages,
		free:      free,
		granted:   roaring.New(),
		grants:    make(map[uint32]*grantEntry),
		nextRef:   8, // low references are reserved, as on a real table
		transient: make(map[uint32]int),
		hard:      make(map[uint32]Status),
	}, nil
}

// Close releases the guest memory. All mappings must be gone.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live != 0 {
		return fmt.Errorf("%w: %d live mappings", ErrGrantBusy, t.live)
	}
	if t.arena == nil {
		return nil
	}
	err := errors.Join(unix.Munmap(t.roArena), unix.Munmap(t.arena))
	t.arena, t.roArena = nil, nil
	return err
}

// mapArena maps size bytes of shared memory twice: writable for the guest
// and read-only for read-only grant maps.
func mapArena(size int) (rw, ro []byte, err error) {
	fd, err := unix.MemfdCreate("pvback-grant", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("memfd: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, nil, fmt.Errorf("ftruncate: %w", err)
	}
	rw, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	ro, err = unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(rw)
		return nil, nil, err
	}
	return rw, ro, nil
}

// Domain is the guest domain id owning the pages
func (t *Table) Domain() uint16 {
	return t.domain
}

// AllocPages reserves n contiguous pages and returns the first page index
func (t *Table) AllocPages(n int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocPagesLocked(n)
}

func (t *Table) allocPagesLocked(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("grant table: invalid page count %d", n)
	}
	it := t.free.Iterator()
	for it.HasNext() {
		start := int(it.Next())
		if start+n > t.npages {
			break
		}
		run := roaring.New()
		run.AddRange(uint64(start), uint64(start+n))
		if t.free.AndCardinality(run) == uint64(n) {
			t.free.RemoveRange(uint64(start), uint64(start+n))
			return start, nil
		}
	}
	return 0, fmt.Errorf("%w: need %d contiguous", ErrNoPages, n)
}

// FreePages returns pages to the allocator
func (t *Table) FreePages(first, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.free.AddRange(uint64(first), uint64(first+n))
}

// Page returns the guest's view of a page
func (t *Table) Page(page int) []byte {
	return pageOf(t.arena, page)
}

func pageOf(arena []byte, page int) []byte {
	off := page * constants.PageSize
	return arena[off : off+constants.PageSize : off+constants.PageSize]
}

// Grant grants the backend access to page and returns the reference
func (t *Table) Grant(page int, readOnly bool) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grantLocked(page, readOnly)
}

func (t *Table) grantLocked(page int, readOnly bool) (uint32, error) {
	if page < 0 || page >= t.npages {
		return 0, fmt.Errorf("grant table: page %d out of range", page)
	}
	ref := t.nextRef
	t.nextRef++
	t.grants[ref] = &grantEntry{page: page, readOnly: readOnly}
	t.granted.Add(ref)
	return ref, nil
}

// GrantPages allocates n contiguous pages, grants each of them, and returns
// the references along with the guest's view of the whole area.
func (t *Table) GrantPages(n int, readOnly bool) ([]uint32, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, err := t.allocPagesLocked(n)
	if err != nil {
		return nil, nil, err
	}
	refs := make([]uint32, n)
	for i := range refs {
		refs[i], _ = t.grantLocked(first+i, readOnly)
	}
	off := first * constants.PageSize
	return refs, t.arena[off : off+n*constants.PageSize], nil
}

// Revoke ends a grant. It fails while the backend still maps the page.
func (t *Table) Revoke(ref uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[ref]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRef, ref)
	}
	if g.maps > 0 {
		return fmt.Errorf("%w: ref %d mapped %d times", ErrGrantBusy, ref, g.maps)
	}
	delete(t.grants, ref)
	t.granted.Remove(ref)
	return nil
}

// Granted returns the number of active grants
func (t *Table) Granted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted.GetCardinality()
}

// InjectTransient makes the next n map attempts of ref report EAGAIN
func (t *Table) InjectTransient(ref uint32, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transient[ref] = n
}

// InjectFailure makes every map attempt of ref fail with st until cleared
// with StatusOK.
func (t *Table) InjectFailure(ref uint32, st Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st == StatusOK {
		delete(t.hard, ref)
		return
	}
	t.hard[ref] = st
}

// MapCalls is the number of MapGrants calls issued
func (t *Table) MapCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapCalls
}

// UnmapCalls is the number of UnmapGrants calls issued
func (t *Table) UnmapCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unmapCalls
}

// LiveMappings is the number of handles currently mapped
func (t *Table) LiveMappings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// MapGrants implements Hypervisor
func (t *Table) MapGrants(ops []MapOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mapCalls++

	for i := range ops {
		op := &ops[i]
		op.Addr, op.Handle = nil, 0
		op.Status = t.mapOneLocked(op)
	}
	return nil
}

func (t *Table) mapOneLocked(op *MapOp) Status {
	if op.Domain != t.domain {
		return StatusBadDomain
	}
	g, ok := t.grants[op.Ref]
	if !ok {
		return StatusBadRef
	}
	if st, ok := t.hard[op.Ref]; ok {
		return st
	}
	if n := t.transient[op.Ref]; n > 0 {
		t.transient[op.Ref] = n - 1
		return StatusEAgain
	}
	if g.readOnly && !op.ReadOnly {
		return StatusPermissionDenied
	}

	idx, ok := t.allocHandleLocked()
	if !ok {
		return StatusGeneralError
	}
	slot := &t.handles[idx]
	slot.ref = op.Ref
	slot.live = true
	g.maps++
	t.live++

	op.Handle = uint32(slot.gen)<<16 | idx
	if op.ReadOnly {
		op.Addr = pageOf(t.roArena, g.page)
	} else {
		op.Addr = t.Page(g.page)
	}
	return StatusOK
}

func (t *Table) allocHandleLocked() (uint32, bool) {
	if n := len(t.freeHandles); n > 0 {
		idx := t.freeHandles[n-1]
		t.freeHandles = t.freeHandles[:n-1]
		return idx, true
	}
	if len(t.handles) >= maxHandles {
		return 0, false
	}
	t.handles = append(t.handles, handleSlot{gen: 1})
	return uint32(len(t.handles) - 1), true
}

// UnmapGrants implements Hypervisor
func (t *Table) UnmapGrants(ops []UnmapOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmapCalls++

	for i := range ops {
		ops[i].Status = t.unmapOneLocked(ops[i].Handle)
	}
	return nil
}

func (t *Table) unmapOneLocked(raw uint32) Status {
	idx, gen := raw&0xffff, uint16(raw>>16)
	if int(idx) >= len(t.handles) {
		return StatusBadHandle
	}
	slot := &t.handles[idx]
	if !slot.live || slot.gen != gen {
		return StatusBadHandle
	}
	if g, ok := t.grants[slot.ref]; ok {
		g.maps--
	}
	slot.live = false
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	t.freeHandles = append(t.freeHandles, idx)
	t.live--
	return StatusOK
}
