package scan

import (
	"fmt"

	"github.com/duskpoint/memscan/internal/backend"
)

// fakeHandle backs a single in-memory byte slice so the scan engine can be
// exercised without a real OS process.
type fakeHandle struct {
	mem     []byte
	regions []backend.Region
	// unreadable marks addresses that fail ReadAt when a read starts at
	// them, to exercise next_scan's drop-on-read-failure path.
	unreadable map[uintptr]bool
}

func newFakeHandle(mem []byte, regions []backend.Region) *fakeHandle {
	return &fakeHandle{mem: mem, regions: regions, unreadable: map[uintptr]bool{}}
}

func (f *fakeHandle) PID() int     { return 1 }
func (f *fakeHandle) Name() string { return "fake" }

func (f *fakeHandle) ReadAt(addr uintptr, buf []byte) error {
	if f.unreadable[addr] {
		return fmt.Errorf("fakeHandle: %#x marked unreadable", addr)
	}
	if int(addr)+len(buf) > len(f.mem) {
		return fmt.Errorf("fakeHandle: read past end of memory")
	}
	copy(buf, f.mem[addr:int(addr)+len(buf)])
	return nil
}

func (f *fakeHandle) WriteAt(addr uintptr, buf []byte) error {
	if int(addr)+len(buf) > len(f.mem) {
		return fmt.Errorf("fakeHandle: write past end of memory")
	}
	copy(f.mem[addr:int(addr)+len(buf)], buf)
	return nil
}

func (f *fakeHandle) Attach() error { return nil }
func (f *fakeHandle) Detach() error { return nil }
func (f *fakeHandle) Close() error  { return nil }

type fakeRegionIterator struct {
	regions []backend.Region
	idx     int
}

func (it *fakeRegionIterator) Next() (backend.Region, bool) {
	if it.idx >= len(it.regions) {
		return backend.Region{}, false
	}
	r := it.regions[it.idx]
	it.idx++
	return r, true
}
