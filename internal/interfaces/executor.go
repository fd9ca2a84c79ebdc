package interfaces

import (
	"errors"
	"time"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

var (
	// ErrExecutorBusy is returned by Submit when the executor refuses new work
	ErrExecutorBusy = errors.New("executor busy")
	// ErrNotFound is returned by Cancel when no outstanding command has the tag
	ErrNotFound = errors.New("command not found")
	// ErrClosed is returned after the executor has been closed
	ErrClosed = errors.New("executor closed")
)

// Command is one operation handed to an Executor. Segments alias mapped
// guest memory: they stay valid until the completion returns and must not be
// retained after it.
type Command struct {
	// Tag is unique among outstanding commands of one backend; Cancel uses it
	Tag uint64
	// ID is the guest's request id, for logging
	ID uint32
	// Device is the physical device name from the translation table
	Device string
	// LUN is the guest-visible LUN
	LUN       uint16
	CDB       []byte
	Direction proto.Direction
	Segments  [][]byte
	// Timeout bounds execution; the executor enforces it
	Timeout time.Duration
}

// DataLength is the total byte length of the segments
func (c *Command) DataLength() int {
	n := 0
	for _, s := range c.Segments {
		n += len(s)
	}
	return n
}

// Scatter copies src into the segments in order and returns the bytes copied.
// Segments of a to-device command are mapped read-only and are never written.
func (c *Command) Scatter(src []byte) int {
	if c.Direction.ReadOnly() {
		return 0
	}
	n := 0
	for _, s := range c.Segments {
		if n >= len(src) {
			break
		}
		n += copy(s, src[n:])
	}
	return n
}

// Gather copies the segments into dst in order and returns the bytes copied
func (c *Command) Gather(dst []byte) int {
	n := 0
	for _, s := range c.Segments {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], s)
	}
	return n
}

// Completion reports the outcome of a submitted command. result is a
// proto.Result* code, residual the bytes not transferred and sense optional
// sense data (copied before the completion returns).
type Completion func(result int32, residual uint32, sense []byte)

// Executor performs commands against backing devices.
type Executor interface {
	// Submit starts cmd. On a nil return, done is invoked exactly once, from
	// any goroutine, possibly before Submit returns. On error done is never
	// invoked.
	Submit(cmd *Command, done Completion) error

	// Cancel asks for the outstanding command with tag to be aborted. It is
	// best effort: the command still completes through its own Completion.
	Cancel(tag uint64) error
}

// Resetter is implemented by executors that can reset a device
type Resetter interface {
	Reset(device string) error
}
