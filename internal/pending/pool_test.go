package pending

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id   uint32
	data [4]byte
}

func newPool(t *testing.T, size int) *Pool[entry] {
	t.Helper()
	p, err := New[entry](size, nil)
	require.NoError(t, err)
	return p
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New[entry](0, nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAllocateUntilExhausted(t *testing.T) {
	p := newPool(t, 4)

	seen := map[int]bool{}
	var handles []Handle
	for i := 0; i < 4; i++ {
		h, v, ok := p.Allocate()
		require.True(t, ok)
		require.NotNil(t, v)
		assert.False(t, seen[h.Index()], "slot handed out twice")
		seen[h.Index()] = true
		handles = append(handles, h)
	}

	_, _, ok := p.Allocate()
	assert.False(t, ok)

	st := p.Stats()
	assert.Equal(t, 4, st.InUse)
	assert.Equal(t, 0, st.Free)
	assert.Equal(t, uint64(1), st.Exhausted)

	for _, h := range handles {
		require.NoError(t, p.Release(h))
	}
	assert.Equal(t, 4, p.Stats().Free)
}

func TestReleaseClearsValue(t *testing.T) {
	p := newPool(t, 1)
	h, v, _ := p.Allocate()
	v.id = 99
	v.data[0] = 1
	require.NoError(t, p.Release(h))

	_, v, ok := p.Allocate()
	require.True(t, ok)
	assert.Equal(t, entry{}, *v)
}

func TestCustomReset(t *testing.T) {
	resets := 0
	p, err := New[entry](1, func(e *entry) { resets++; e.id = 0 })
	require.NoError(t, err)

	h, v, _ := p.Allocate()
	v.id = 5
	v.data[0] = 9
	require.NoError(t, p.Release(h))
	assert.Equal(t, 1, resets)

	_, v, _ = p.Allocate()
	assert.Equal(t, uint32(0), v.id)
	assert.Equal(t, byte(9), v.data[0], "custom reset leaves other fields alone")
}

func TestStaleHandle(t *testing.T) {
	p := newPool(t, 1)
	h, _, _ := p.Allocate()
	require.NoError(t, p.Release(h))

	assert.ErrorIs(t, p.Release(h), ErrStaleHandle, "double release")
	_, err := p.Get(h)
	assert.ErrorIs(t, err, ErrStaleHandle)

	h2, _, _ := p.Allocate()
	assert.Equal(t, h.Index(), h2.Index())
	assert.NotEqual(t, h, h2)
	assert.ErrorIs(t, p.Release(h), ErrStaleHandle, "old generation")

	_, err = p.Get(h2)
	assert.NoError(t, err)
	assert.ErrorIs(t, p.Release(Handle{}), ErrStaleHandle)
}

func TestAvailableSignalsOnRelease(t *testing.T) {
	p := newPool(t, 1)

	select {
	case <-p.Available():
	default:
		t.Fatal("fresh pool should be available")
	}

	h, _, _ := p.Allocate()
	wait := p.Available()
	select {
	case <-wait:
		t.Fatal("exhausted pool reported available")
	default:
	}

	require.NoError(t, p.Release(h))
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("release did not wake waiter")
	}
}

func TestConservationUnderConcurrency(t *testing.T) {
	const size = 8
	p := newPool(t, size)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h, v, ok := p.Allocate()
				if !ok {
					select {
					case <-p.Available():
					case <-stop:
						return
					}
					continue
				}
				v.id++
				_ = p.Release(h)
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		st := p.Stats()
		require.Equal(t, size, st.InUse+st.Free)
	}
	close(stop)
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, size, st.Free)
	assert.Equal(t, st.Allocations, st.Releases)
}

func TestHandleKeyUnique(t *testing.T) {
	p := newPool(t, 2)
	a, _, _ := p.Allocate()
	b, _, _ := p.Allocate()
	assert.NotEqual(t, a.Key(), b.Key())

	require.NoError(t, p.Release(a))
	c, _, _ := p.Allocate()
	assert.Equal(t, a.Index(), c.Index())
	assert.NotEqual(t, a.Key(), c.Key())
}
