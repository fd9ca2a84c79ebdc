package pvback

import "github.com/ehrlich-b/go-pvback/internal/interfaces"

// Executor performs commands against backing devices. See executor/ for
// the stock implementations.
type Executor = interfaces.Executor

// Command is one operation handed to an Executor
type Command = interfaces.Command

// Completion reports the outcome of a submitted command
type Completion = interfaces.Completion

// Resetter is implemented by executors that can reset a device
type Resetter = interfaces.Resetter

var (
	ErrExecutorBusy   = interfaces.ErrExecutorBusy
	ErrCommandUnknown = interfaces.ErrNotFound
	ErrExecutorClosed = interfaces.ErrClosed
)
