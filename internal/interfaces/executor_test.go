package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

func TestScatterGatherAcrossSegments(t *testing.T) {
	a, b := make([]byte, 3), make([]byte, 4)
	cmd := Command{Direction: proto.DirFromDevice, Segments: [][]byte{a, b}}
	assert.Equal(t, 7, cmd.DataLength())

	assert.Equal(t, 5, cmd.Scatter([]byte("hello")))
	assert.Equal(t, []byte("hel"), a)
	assert.Equal(t, []byte("lo\x00\x00"), b)

	out := make([]byte, 10)
	assert.Equal(t, 7, cmd.Gather(out))
	assert.Equal(t, []byte("hello\x00\x00"), out[:7])
}

func TestScatterLeavesToDeviceSegmentsAlone(t *testing.T) {
	page := []byte("guest-data!!")
	cmd := Command{Direction: proto.DirToDevice, Segments: [][]byte{page}}

	assert.Zero(t, cmd.Scatter([]byte("DISK-CONTENT")))
	assert.Equal(t, []byte("guest-data!!"), page)

	out := make([]byte, len(page))
	assert.Equal(t, len(page), cmd.Gather(out))
	assert.Equal(t, page, out)
}
