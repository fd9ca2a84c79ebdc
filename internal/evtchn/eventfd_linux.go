//go:build linux

package evtchn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// eventFDPair owns the two eventfds of a linked pair. fds[i] carries events
// for side i. The fds are closed once both sides are closed.
type eventFDPair struct {
	mu     sync.Mutex
	fds    [2]int
	closed [2]bool
}

// eventFDPort is one side of an eventFDPair
type eventFDPort struct {
	number uint32
	side   int
	pair   *eventFDPair
	stop   int

	mu    sync.Mutex
	bound bool
	done  chan struct{}
}

// EventFDPair returns two ports linked through a pair of eventfds, the same
// primitive vhost-style kick/call channels use.
func EventFDPair(a, b uint32) (Port, Port, error) {
	pair := &eventFDPair{fds: [2]int{-1, -1}}
	var stops [2]int
	cleanup := func() {
		for _, fd := range append(pair.fds[:], stops[:]...) {
			if fd > 0 {
				unix.Close(fd)
			}
		}
	}
	for i := 0; i < 2; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("eventfd: %w", err)
		}
		pair.fds[i] = fd
		stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("eventfd: %w", err)
		}
		stops[i] = stop
	}
	pa := &eventFDPort{number: a, side: 0, pair: pair, stop: stops[0]}
	pb := &eventFDPort{number: b, side: 1, pair: pair, stop: stops[1]}
	return pa, pb, nil
}

func (p *eventFDPort) Number() uint32 {
	return p.number
}

func (p *eventFDPort) Bind(handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	if p.bound {
		return ErrAlreadyBound
	}
	p.bound = true
	p.done = make(chan struct{})
	go p.loop(handler, p.pair.fds[p.side], p.done)
	return nil
}

func (p *eventFDPort) isClosed() bool {
	p.pair.mu.Lock()
	defer p.pair.mu.Unlock()
	return p.pair.closed[p.side]
}

func (p *eventFDPort) loop(handler func(), rx int, done chan struct{}) {
	defer close(done)
	fds := []unix.PollFd{
		{Fd: int32(rx), Events: unix.POLLIN},
		{Fd: int32(p.stop), Events: unix.POLLIN},
	}
	var buf [8]byte
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			// reading resets the counter, so queued kicks collapse into one call
			if _, err := unix.Read(rx, buf[:]); err == nil {
				handler()
			}
		}
	}
}

func (p *eventFDPort) Notify() error {
	pair := p.pair
	pair.mu.Lock()
	defer pair.mu.Unlock()
	if pair.closed[p.side] {
		return ErrClosed
	}
	peer := 1 - p.side
	if pair.closed[peer] {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(pair.fds[peer], buf[:])
	if err == unix.EAGAIN {
		// counter saturated, the remote already has an event pending
		return nil
	}
	return err
}

// Close stops the reader. The eventfds are released when both sides close.
func (p *eventFDPort) Close() error {
	pair := p.pair
	pair.mu.Lock()
	if pair.closed[p.side] {
		pair.mu.Unlock()
		return nil
	}
	pair.closed[p.side] = true
	pair.mu.Unlock()

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.stop, buf[:])
	if done != nil {
		<-done
	}
	unix.Close(p.stop)

	pair.mu.Lock()
	defer pair.mu.Unlock()
	if pair.closed[0] && pair.closed[1] {
		unix.Close(pair.fds[0])
		unix.Close(pair.fds[1])
	}
	return nil
}

func newEventFDPair(a, b uint32) (Port, Port, error) {
	return EventFDPair(a, b)
}
