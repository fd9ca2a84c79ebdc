package ctrl

import (
	"fmt"
	"path"
	"strconv"

	"github.com/ehrlich-b/go-pvback/internal/constants"
)

// Store keys
const (
	KeyRingRef          = "ring-ref"
	KeyRingPageOrder    = "ring-page-order"
	KeyMaxRingPageOrder = "max-ring-page-order"
	KeyEventChannel     = "event-channel"
	KeyFeatureSGGrant   = "feature-sg-grant"
	KeyState            = "state"
	KeyDevices          = "vscsi-devs"
	KeyVDev             = "v-dev"
	KeyPDev             = "p-dev"
	KeyFrontend         = "frontend"
)

// State is a connection or device state as written to the store
type State int

const (
	StateUnknown      State = 0
	StateInitialising State = 1
	StateInitWait     State = 2
	StateInitialised  State = 3
	StateConnected    State = 4
	StateClosing      State = 5
	StateClosed       State = 6
)

func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateInitWait:
		return "init_wait"
	case StateInitialised:
		return "initialised"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReadState reads a state key
func ReadState(s Store, p string) (State, error) {
	n, err := ReadUint(s, p, 8)
	if err != nil {
		return StateUnknown, err
	}
	return State(n), nil
}

// WriteState writes a state key
func WriteState(s Store, p string, st State) error {
	return WriteUint(s, p, uint64(st))
}

// FrontendPath is where a guest publishes its side of device devID
func FrontendPath(domain uint16, devID int) string {
	return fmt.Sprintf("/local/domain/%d/device/vscsi/%d", domain, devID)
}

// BackendPath is where the backend publishes its side of the connection
func BackendPath(domain uint16, devID int) string {
	return fmt.Sprintf("/local/domain/0/backend/vscsi/%d/%d", domain, devID)
}

// Features is what the backend offers every frontend
type Features struct {
	MaxSegments      int
	MaxRingPageOrder int
}

// Advertise publishes the backend's features and moves it to InitWait
func Advertise(s Store, backendPath string, f Features) error {
	if err := WriteUint(s, path.Join(backendPath, KeyFeatureSGGrant), uint64(f.MaxSegments)); err != nil {
		return err
	}
	if err := WriteUint(s, path.Join(backendPath, KeyMaxRingPageOrder), uint64(f.MaxRingPageOrder)); err != nil {
		return err
	}
	return WriteState(s, path.Join(backendPath, KeyState), StateInitWait)
}

// ConnectionParams is everything needed to attach to a guest's ring
type ConnectionParams struct {
	Domain       uint16
	DevID        int
	RingRefs     []uint32
	EventChannel uint32
	MaxSegments  int
}

// ReadConnectionParams reads the frontend's ring references and event
// channel and negotiates features against what the backend offers.
func ReadConnectionParams(s Store, domain uint16, devID int, offer Features) (ConnectionParams, error) {
	front := FrontendPath(domain, devID)
	p := ConnectionParams{Domain: domain, DevID: devID}

	order, err := ReadUintDefault(s, path.Join(front, KeyRingPageOrder), 8, 0)
	if err != nil {
		return p, err
	}
	maxOrder := offer.MaxRingPageOrder
	if maxOrder > constants.MaxRingPageOrder {
		maxOrder = constants.MaxRingPageOrder
	}
	if int(order) > maxOrder {
		return p, fmt.Errorf("%w: ring-page-order %d exceeds %d", ErrBadValue, order, maxOrder)
	}

	if order == 0 {
		ref, err := ReadUint(s, path.Join(front, KeyRingRef), 32)
		if err != nil {
			return p, err
		}
		p.RingRefs = []uint32{uint32(ref)}
	} else {
		n := 1 << order
		p.RingRefs = make([]uint32, n)
		for i := 0; i < n; i++ {
			ref, err := ReadUint(s, path.Join(front, KeyRingRef+strconv.Itoa(i)), 32)
			if err != nil {
				return p, err
			}
			p.RingRefs[i] = uint32(ref)
		}
	}

	port, err := ReadUint(s, path.Join(front, KeyEventChannel), 32)
	if err != nil {
		return p, err
	}
	p.EventChannel = uint32(port)

	p.MaxSegments = offer.MaxSegments
	want, err := ReadUintDefault(s, path.Join(front, KeyFeatureSGGrant), 16, 0)
	if err != nil {
		return p, err
	}
	if want > 0 && int(want) < p.MaxSegments {
		p.MaxSegments = int(want)
	}
	if p.MaxSegments <= 0 || p.MaxSegments > constants.MaxSegmentsPerRequest {
		p.MaxSegments = constants.MaxSegmentsPerRequest
	}
	return p, nil
}

// PublishFrontend writes the guest side of a connection. The simulator and
// tests play the guest with it.
func PublishFrontend(s Store, domain uint16, devID int, ringRefs []uint32, eventChannel uint32, maxSegments int) error {
	front := FrontendPath(domain, devID)
	switch n := len(ringRefs); {
	case n == 1:
		if err := WriteUint(s, path.Join(front, KeyRingRef), uint64(ringRefs[0])); err != nil {
			return err
		}
	case n > 1 && n&(n-1) == 0:
		order := 0
		for 1<<order < n {
			order++
		}
		if err := WriteUint(s, path.Join(front, KeyRingPageOrder), uint64(order)); err != nil {
			return err
		}
		for i, ref := range ringRefs {
			if err := WriteUint(s, path.Join(front, KeyRingRef+strconv.Itoa(i)), uint64(ref)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %d ring pages", ErrBadValue, n)
	}
	if err := WriteUint(s, path.Join(front, KeyEventChannel), uint64(eventChannel)); err != nil {
		return err
	}
	if maxSegments > 0 {
		if err := WriteUint(s, path.Join(front, KeyFeatureSGGrant), uint64(maxSegments)); err != nil {
			return err
		}
	}
	return WriteState(s, path.Join(front, KeyState), StateInitialised)
}
