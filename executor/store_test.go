package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(1024)
	assert.Equal(t, int64(1024), mem.Size())
	assert.Len(t, mem.data, 1024)
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	data := []byte("Hello, guest!")
	n, err := mem.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = mem.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = mem.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = mem.ReadAt(buf, 101)
	assert.ErrorIs(t, err, ErrOutOfRange)

	n, err = mem.WriteAt([]byte("test"), 98)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = mem.WriteAt([]byte("test"), 100)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = mem.WriteAt([]byte("test"), -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	data := []byte("Hello, World!")
	_, err := mem.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, mem.Discard(0, 5))

	buf := make([]byte, len(data))
	_, err = mem.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), buf[:5])
	assert.Equal(t, data[5:], buf[5:])

	// past the end is a no-op
	assert.NoError(t, mem.Discard(200, 10))
}

func TestFileStore(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	f, err := OpenFile(path, 8192, false)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), f.Size())

	data := []byte("persisted block")
	n, err := f.WriteAt(data, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, f.Sync())

	buf := make([]byte, len(data))
	n, err = f.ReadAt(buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)

	// tail reads are truncated at the store size
	tail := make([]byte, 100)
	n, err = f.ReadAt(tail, 8192-10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = f.WriteAt(data, 8192)
	assert.ErrorIs(t, err, ErrOutOfRange)
	require.NoError(t, f.Close())

	// reopening read-only picks up the existing size and contents
	ro, err := OpenFile(path, 0, true)
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, int64(8192), ro.Size())
	clear(buf)
	_, err = ro.ReadAt(buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile(t.TempDir()+"/absent.img", 0, true)
	assert.Error(t, err)
}
