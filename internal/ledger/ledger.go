// Package ledger tracks, per device, the free space measured when the device
// manager started and the bytes promised to in-flight operations since.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"keepsake/internal/domain"
)

var ErrUnknownDevice = errors.New("unknown device")

// Entry is one device's capacity bookkeeping.
type Entry struct {
	Device    domain.Device
	Available uint64
	Allocated uint64
}

// Free is the capacity left to promise.
func (e Entry) Free() uint64 {
	if e.Allocated >= e.Available {
		return 0
	}
	return e.Available - e.Allocated
}

// Ledger keeps devices in load order; that order is the substitution scan
// order. Available is fixed at construction and only Allocated grows.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int
}

// New builds a ledger. Later entries with a mount path already seen are
// ignored.
func New(entries []Entry) *Ledger {
	l := &Ledger{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		if _, dup := l.index[e.Device.MountPath]; dup {
			continue
		}
		e.Allocated = 0
		l.index[e.Device.MountPath] = len(l.entries)
		l.entries = append(l.entries, e)
	}
	return l
}

func (l *Ledger) Known(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[path]
	return ok
}

// Lookup returns a copy of the entry for path.
func (l *Ledger) Lookup(path string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[path]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownDevice, path)
	}
	return l.entries[i], nil
}

// Reserve promises size bytes on path if they fit. The check and the
// increment happen under one lock so concurrent callers cannot
// over-promise a device.
func (l *Ledger) Reserve(path string, size uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[path]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, path)
	}
	if l.entries[i].Free() < size {
		return false, nil
	}
	l.entries[i].Allocated += size
	return true, nil
}

// Substitute returns the first device in ledger order with room for size.
// Nothing is reserved.
func (l *Ledger) Substitute(size uint64) (domain.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Free() >= size {
			return e.Device, true
		}
	}
	return domain.Device{}, false
}

// Snapshot copies every entry in ledger order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
