package grant

import (
	"errors"
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-pvback/internal/constants"
)

const testDomain = 3

func newTable(t *testing.T, pages int) *Table {
	t.Helper()
	table, err := NewTable(testDomain, pages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return table
}

func newMapper(table *Table) (*Mapper, *[]time.Duration) {
	m := NewMapper(table, DefaultConfig())
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }
	return m, &slept
}

func grantN(t *testing.T, table *Table, n int, readOnly bool) []uint32 {
	t.Helper()
	refs, _, err := table.GrantPages(n, readOnly)
	require.NoError(t, err)
	return refs
}

func TestMapUnmapSymmetry(t *testing.T) {
	table := newTable(t, 32)
	m, _ := newMapper(table)

	for n := 0; n <= constants.MaxSegmentsPerRequest; n++ {
		refs := grantN(t, table, n+1, false)[:n]
		out := make([]Mapping, n)
		require.NoError(t, m.MapBatch(testDomain, refs, false, out))
		for i := range out {
			assert.True(t, out[i].Mapped())
			assert.Len(t, out[i].Addr, constants.PageSize)
		}
		assert.Equal(t, n, table.LiveMappings())

		m.UnmapBatch(out)
		assert.Equal(t, 0, table.LiveMappings())
		for i := range out {
			assert.False(t, out[i].Mapped())
			assert.Nil(t, out[i].Addr)
		}
		for _, ref := range refs {
			require.NoError(t, table.Revoke(ref))
		}
		table.FreePages(0, 32)
	}
	assert.Equal(t, int64(0), m.Stats().Outstanding)
}

func TestMapBatchIsOneCall(t *testing.T) {
	table := newTable(t, 8)
	m, _ := newMapper(table)
	refs := grantN(t, table, 3, false)

	out := make([]Mapping, 3)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	assert.Equal(t, 1, table.MapCalls())
	m.UnmapBatch(out)
	assert.Equal(t, 1, table.UnmapCalls())
}

func TestMappedPageSharesGuestMemory(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs, guest, err := table.GrantPages(1, false)
	require.NoError(t, err)

	out := make([]Mapping, 1)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	out[0].Addr[10] = 0xab
	assert.Equal(t, byte(0xab), guest[10])
	m.UnmapBatch(out)
}

func TestPartialFailureCleanup(t *testing.T) {
	table := newTable(t, 8)
	m, _ := newMapper(table)
	refs := grantN(t, table, 5, false)
	table.InjectFailure(refs[2], StatusBadPage)

	out := make([]Mapping, 5)
	err := m.MapBatch(testDomain, refs, false, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapFailed))

	var entry *EntryError
	require.ErrorAs(t, err, &entry)
	assert.Equal(t, 2, entry.Index)
	assert.Equal(t, StatusBadPage, entry.Status)

	// Entries other than the failed one are live; the failed one is fully unmapped.
	for i := range out {
		if i == 2 {
			assert.False(t, out[i].Mapped())
			assert.Nil(t, out[i].Addr)
			continue
		}
		assert.True(t, out[i].Mapped())
		assert.NotNil(t, out[i].Addr)
	}
	assert.Equal(t, 4, table.LiveMappings())

	m.UnmapBatch(out)
	assert.Equal(t, 0, table.LiveMappings())
	assert.Equal(t, uint64(1), m.Stats().Failures)
}

func TestTransientFailureRetried(t *testing.T) {
	table := newTable(t, 8)
	m, slept := newMapper(table)
	refs := grantN(t, table, 3, false)
	table.InjectTransient(refs[1], 3)

	out := make([]Mapping, 3)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, *slept)
	assert.Equal(t, 4, table.MapCalls())
	assert.Equal(t, uint64(3), m.Stats().Retries)
	m.UnmapBatch(out)
}

func TestTransientFailureGivesUp(t *testing.T) {
	table := newTable(t, 8)
	m, slept := newMapper(table)
	refs := grantN(t, table, 2, false)
	table.InjectTransient(refs[0], 1000)

	out := make([]Mapping, 2)
	err := m.MapBatch(testDomain, refs, false, out)
	var entry *EntryError
	require.ErrorAs(t, err, &entry)
	assert.Equal(t, StatusBadPage, entry.Status)
	assert.Len(t, *slept, 255)
	var total time.Duration
	for _, d := range *slept {
		assert.Less(t, d, constants.GrantRetryMaxDelay)
		total += d
	}
	assert.Equal(t, 32640*time.Millisecond, total)
	assert.True(t, out[1].Mapped())
	m.UnmapBatch(out)
	assert.Equal(t, 0, table.LiveMappings())
}

func TestDuplicateRefRejected(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs := grantN(t, table, 2, false)

	out := make([]Mapping, 3)
	err := m.MapBatch(testDomain, []uint32{refs[0], refs[1], refs[0]}, false, out)
	assert.ErrorIs(t, err, ErrDuplicateRef)
	assert.Equal(t, 0, table.MapCalls())
}

func TestReadOnlyGrant(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs := grantN(t, table, 1, true)

	out := make([]Mapping, 1)
	var entry *EntryError
	require.ErrorAs(t, m.MapBatch(testDomain, refs, false, out), &entry)
	assert.Equal(t, StatusPermissionDenied, entry.Status)

	require.NoError(t, m.MapBatch(testDomain, refs, true, out))
	m.UnmapBatch(out)
}

func TestReadOnlyMapRefusesWrites(t *testing.T) {
	table := newTable(t, 2)
	m, _ := newMapper(table)
	refs, guest, err := table.GrantPages(2, false)
	require.NoError(t, err)
	copy(guest, "guest-data!!")

	out := make([]Mapping, 2)
	require.NoError(t, m.MapBatch(testDomain, refs[:1], true, out[:1]))
	require.NoError(t, m.MapBatch(testDomain, refs[1:], false, out[1:]))
	defer m.UnmapBatch(out)

	// both views share the guest's memory
	assert.Equal(t, []byte("guest-data!!"), out[0].Addr[:12])
	copy(guest, "GUEST")
	assert.Equal(t, []byte("GUEST-data!!"), out[0].Addr[:12])
	out[1].Addr[0] = 'w'
	assert.Equal(t, byte('w'), guest[constants.PageSize])

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	assert.Panics(t, func() { out[0].Addr[0] = 'X' })
	assert.Equal(t, []byte("GUEST-data!!"), guest[:12])
}

func TestWrongDomain(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs := grantN(t, table, 1, false)

	out := make([]Mapping, 1)
	var entry *EntryError
	require.ErrorAs(t, m.MapBatch(testDomain+1, refs, false, out), &entry)
	assert.Equal(t, StatusBadDomain, entry.Status)
}

func TestStaleHandlePanics(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs := grantN(t, table, 1, false)

	out := make([]Mapping, 1)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	stale := out[0]
	m.UnmapBatch(out)

	// remap so the slot is reused under a new generation
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	assert.NotEqual(t, stale.Handle, out[0].Handle)

	assert.Panics(t, func() { m.UnmapBatch([]Mapping{stale}) })
	assert.Equal(t, 1, table.LiveMappings())
	m.UnmapBatch(out)
}

func TestUnmapInvalidHandleIsNoop(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	m.UnmapBatch(make([]Mapping, 4))
	assert.Equal(t, 0, table.UnmapCalls())
}

func TestRevokeWhileMapped(t *testing.T) {
	table := newTable(t, 4)
	m, _ := newMapper(table)
	refs := grantN(t, table, 1, false)

	out := make([]Mapping, 1)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))
	assert.ErrorIs(t, table.Revoke(refs[0]), ErrGrantBusy)
	m.UnmapBatch(out)
	assert.NoError(t, table.Revoke(refs[0]))
	assert.ErrorIs(t, table.Revoke(refs[0]), ErrUnknownRef)
}

func TestMapRing(t *testing.T) {
	table := newTable(t, 8)
	m, _ := newMapper(table)
	refs, guest, err := table.GrantPages(4, false)
	require.NoError(t, err)

	mem, ms, err := m.MapRing(testDomain, refs)
	require.NoError(t, err)
	assert.Len(t, mem, 4*constants.PageSize)
	mem[3*constants.PageSize+1] = 7
	assert.Equal(t, byte(7), guest[3*constants.PageSize+1])
	m.UnmapBatch(ms)
}

func TestMapRingNotContiguous(t *testing.T) {
	table := newTable(t, 8)
	m, _ := newMapper(table)
	a, err := table.Grant(0, false)
	require.NoError(t, err)
	b, err := table.Grant(5, false)
	require.NoError(t, err)

	_, _, err = m.MapRing(testDomain, []uint32{a, b})
	assert.ErrorIs(t, err, ErrNotContiguous)
	assert.Equal(t, 0, table.LiveMappings())
}

func TestAllocPagesExhausted(t *testing.T) {
	table := newTable(t, 4)
	_, err := table.AllocPages(3)
	require.NoError(t, err)
	_, err = table.AllocPages(2)
	assert.ErrorIs(t, err, ErrNoPages)
	first, err := table.AllocPages(1)
	require.NoError(t, err)
	assert.Equal(t, 3, first)
}

func TestCloseWithLiveMappings(t *testing.T) {
	table, err := NewTable(testDomain, 2)
	require.NoError(t, err)
	m, _ := newMapper(table)
	refs := grantN(t, table, 1, false)
	out := make([]Mapping, 1)
	require.NoError(t, m.MapBatch(testDomain, refs, false, out))

	assert.ErrorIs(t, table.Close(), ErrGrantBusy)
	m.UnmapBatch(out)
	assert.NoError(t, table.Close())
}
