// Package evtchn provides event channels: the interrupt path between a guest
// and the backend. A handler bound to a port runs in whatever context
// delivers the event, so handlers must only signal and return.
package evtchn

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrClosed       = errors.New("event channel closed")
	ErrAlreadyBound = errors.New("event channel already bound")
	ErrUnknownPort  = errors.New("unknown event channel port")
)

// Port is one end of an interdomain event channel
type Port interface {
	// Number is the local port number
	Number() uint32
	// Bind installs the handler run for each event from the remote end
	Bind(handler func()) error
	// Notify raises an event on the remote end
	Notify() error
	// Close unbinds the port
	Close() error
}

// Signal is a coalescing wakeup: any number of Raise calls before a receive
// collapse into one.
type Signal chan struct{}

// NewSignal returns a signal with room for one pending wakeup
func NewSignal() Signal {
	return make(Signal, 1)
}

// Raise marks the signal pending without blocking
func (s Signal) Raise() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// pipePort is an in-process port linked to a peer
type pipePort struct {
	number uint32
	peer   *pipePort
	// handler is read on the notifier's goroutine
	handler atomic.Pointer[func()]
	closed  atomic.Bool
	sent    atomic.Uint64
}

// Pipe returns two linked in-process ports
func Pipe(a, b uint32) (Port, Port) {
	pa := &pipePort{number: a}
	pb := &pipePort{number: b}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func (p *pipePort) Number() uint32 {
	return p.number
}

func (p *pipePort) Bind(handler func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.handler.CompareAndSwap(nil, &handler) {
		return ErrAlreadyBound
	}
	return nil
}

func (p *pipePort) Notify() error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.sent.Add(1)
	peer := p.peer
	if peer.closed.Load() {
		// remote went away; events are dropped as on a real channel
		return nil
	}
	if h := peer.handler.Load(); h != nil {
		(*h)()
	}
	return nil
}

func (p *pipePort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.handler.Store(nil)
	return nil
}

func (p *pipePort) String() string {
	return fmt.Sprintf("pipe:%d", p.number)
}
