// Package vdev maintains the translation from guest-visible device addresses
// to executor targets. Entries come and go through hotplug while requests are
// in flight, so a lookup miss is an ordinary outcome.
package vdev

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

var (
	ErrExists   = errors.New("device address already mapped")
	ErrNotFound = errors.New("device address not mapped")
)

// Target is what a guest device address resolves to
type Target struct {
	Exec     interfaces.Executor
	Device   string // physical device name understood by Exec
	ReadOnly bool
}

// Table is a concurrency-safe translation table
type Table struct {
	mu      sync.RWMutex
	entries map[proto.DevAddr]Target
	version uint64
}

// NewTable returns an empty table
func NewTable() *Table {
	return &Table{entries: make(map[proto.DevAddr]Target)}
}

// Add maps addr to target
func (t *Table) Add(addr proto.DevAddr, target Target) error {
	if target.Exec == nil {
		return fmt.Errorf("vdev %s: nil executor", addr)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; ok {
		return fmt.Errorf("%w: %s", ErrExists, addr)
	}
	t.entries[addr] = target
	t.version++
	return nil
}

// Remove unmaps addr. Requests already dispatched to it are unaffected.
func (t *Table) Remove(addr proto.DevAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	delete(t.entries, addr)
	t.version++
	return nil
}

// Lookup resolves addr
func (t *Table) Lookup(addr proto.DevAddr) (Target, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.entries[addr]
	return target, ok
}

// Len is the number of mapped addresses
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Version changes on every Add or Remove
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Addrs returns every mapped address in channel, target, LUN order
func (t *Table) Addrs() []proto.DevAddr {
	t.mu.RLock()
	addrs := make([]proto.DevAddr, 0, len(t.entries))
	for a := range t.entries {
		addrs = append(addrs, a)
	}
	t.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool {
		a, b := addrs[i], addrs[j]
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.LUN < b.LUN
	})
	return addrs
}

// LUNs returns the sorted LUNs mapped under channel:target
func (t *Table) LUNs(channel, target uint16) []uint16 {
	t.mu.RLock()
	var luns []uint16
	for a := range t.entries {
		if a.Channel == channel && a.Target == target {
			luns = append(luns, a.LUN)
		}
	}
	t.mu.RUnlock()

	sort.Slice(luns, func(i, j int) bool { return luns[i] < luns[j] })
	return luns
}

// ReportLuns builds the REPORT LUNS payload for the channel:target addr is
// on. ok is false when nothing is mapped there.
func (t *Table) ReportLuns(addr proto.DevAddr) (payload []byte, ok bool) {
	luns := t.LUNs(addr.Channel, addr.Target)
	if len(luns) == 0 {
		return nil, false
	}
	return proto.EncodeReportLuns(luns), true
}
