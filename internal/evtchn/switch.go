package evtchn

import (
	"fmt"
	"runtime"
	"sync"
)

// Binder binds the backend end of an interdomain channel the guest opened
type Binder interface {
	BindInterdomain(domain uint16, remotePort uint32) (Port, error)
}

type portKey struct {
	domain uint16
	port   uint32
}

// Switch is an in-process event channel registry. The guest allocates an
// unbound port and publishes its number; the backend binds to it.
type Switch struct {
	useEventFD bool

	mu      sync.Mutex
	next    uint32
	unbound map[portKey]Port
}

var _ Binder = (*Switch)(nil)

// NewSwitch returns a registry. With useEventFD set, ports are eventfd backed
// where the platform supports it.
func NewSwitch(useEventFD bool) *Switch {
	return &Switch{
		useEventFD: useEventFD && runtime.GOOS == "linux",
		next:       1,
		unbound:    make(map[portKey]Port),
	}
}

// AllocUnbound opens a channel for domain and returns the guest's end
func (s *Switch) AllocUnbound(domain uint16) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, remote := s.next, s.next+1
	s.next += 2

	var guest, backend Port
	if s.useEventFD {
		var err error
		guest, backend, err = newEventFDPair(local, remote)
		if err != nil {
			return nil, err
		}
	} else {
		guest, backend = Pipe(local, remote)
	}
	s.unbound[portKey{domain, local}] = backend
	return guest, nil
}

// BindInterdomain implements Binder
func (s *Switch) BindInterdomain(domain uint16, remotePort uint32) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := portKey{domain, remotePort}
	p, ok := s.unbound[key]
	if !ok {
		return nil, fmt.Errorf("%w: domain %d port %d", ErrUnknownPort, domain, remotePort)
	}
	delete(s.unbound, key)
	return p, nil
}
