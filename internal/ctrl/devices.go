package ctrl

import (
	"errors"
	"fmt"
	"path"

	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

// DeviceEntry is one vscsi-devs/<name> entry
type DeviceEntry struct {
	Name  string
	VDev  proto.DevAddr
	PDev  string
	State State
}

// ReadDevices lists the device entries under backendPath
func ReadDevices(s Store, backendPath string) ([]DeviceEntry, error) {
	dir := path.Join(backendPath, KeyDevices)
	names, err := s.List(dir)
	if errors.Is(err, ErrNoEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]DeviceEntry, 0, len(names))
	for _, name := range names {
		base := path.Join(dir, name)
		v, err := s.Read(path.Join(base, KeyVDev))
		if err != nil {
			return nil, err
		}
		addr, err := proto.ParseDevAddr(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadValue, base, err)
		}
		pdev, err := s.Read(path.Join(base, KeyPDev))
		if err != nil {
			return nil, err
		}
		st, err := ReadState(s, path.Join(base, KeyState))
		if err != nil {
			return nil, err
		}
		entries = append(entries, DeviceEntry{Name: name, VDev: addr, PDev: pdev, State: st})
	}
	return entries, nil
}

// AddDevice writes a new device entry in Initialising state
func AddDevice(s Store, backendPath, name string, addr proto.DevAddr, pdev string) error {
	base := path.Join(backendPath, KeyDevices, name)
	if err := s.Write(path.Join(base, KeyVDev), addr.String()); err != nil {
		return err
	}
	if err := s.Write(path.Join(base, KeyPDev), pdev); err != nil {
		return err
	}
	return WriteState(s, path.Join(base, KeyState), StateInitialising)
}

// RemoveDevice asks for a device entry to be detached
func RemoveDevice(s Store, backendPath, name string) error {
	return WriteState(s, path.Join(backendPath, KeyDevices, name, KeyState), StateClosing)
}

// Resolver maps a physical device name to an executor target
type Resolver func(pdev string) (vdev.Target, error)

// SyncResult counts what SyncDevices changed
type SyncResult struct {
	Added   int
	Removed int
	Failed  int
}

// SyncDevices applies the store's device entries to table: Initialising
// entries are resolved and added, Closing entries are removed. Each handled
// entry's state is advanced to Connected or Closed.
func SyncDevices(s Store, backendPath string, table *vdev.Table, resolve Resolver) (SyncResult, error) {
	var res SyncResult
	entries, err := ReadDevices(s, backendPath)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		statePath := path.Join(backendPath, KeyDevices, e.Name, KeyState)
		switch e.State {
		case StateInitialising:
			target, err := resolve(e.PDev)
			if err == nil {
				err = table.Add(e.VDev, target)
			}
			if err != nil {
				res.Failed++
				if werr := WriteState(s, statePath, StateClosed); werr != nil {
					return res, werr
				}
				continue
			}
			res.Added++
			if err := WriteState(s, statePath, StateConnected); err != nil {
				return res, err
			}
		case StateClosing:
			if err := table.Remove(e.VDev); err == nil {
				res.Removed++
			}
			if err := WriteState(s, statePath, StateClosed); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
