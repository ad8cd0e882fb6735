// Package scan implements the narrowing memory scan: an initial pass over
// every readable region of a target process followed by repeated
// re-filtering of the surviving address set, the same two-phase search a
// classic "cheat engine" style scanner uses.
package scan

import (
	"errors"
	"fmt"

	"github.com/duskpoint/memscan/internal/backend"
)

// ValueType is the wire-level type tag a scan is performed against. Only
// DWORD is fully implemented; the others are accepted by the type system so
// callers get a named, typed "unsupported" error instead of a silent
// fallback.
type ValueType int

const (
	TypeUnknown ValueType = iota
	TypeByte
	TypeWord
	TypeDWord
	TypeQWord
	TypeFloat
	TypeDouble
)

func (t ValueType) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeWord:
		return "word"
	case TypeDWord:
		return "dword"
	case TypeQWord:
		return "qword"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	default:
		return "unknown"
	}
}

// ErrUnsupportedType is returned for every ValueType other than TypeDWord.
var ErrUnsupportedType = errors.New("scan: unsupported value type")

// Size reports the in-memory width of t in bytes, or 0 if unknown.
func (t ValueType) Size() int {
	switch t {
	case TypeByte:
		return 1
	case TypeWord:
		return 2
	case TypeDWord:
		return 4
	case TypeQWord:
		return 8
	case TypeFloat:
		return 4
	case TypeDouble:
		return 8
	default:
		return 0
	}
}

// Engine holds the narrowing set of candidate addresses for one target
// process across a sequence of new_scan/next_scan calls.
type Engine struct {
	handle    backend.Handle
	start     uintptr
	limit     uintptr
	addresses []uintptr

	// regions produces the region enumerator new_scan walks. It defaults
	// to backend.NewRegionIterator; tests swap it for a fake so the
	// narrowing algorithm can be exercised without a real OS process.
	regions func(h backend.Handle, start, limit uintptr) (backend.RegionIterator, error)
}

// NewEngine builds a scan engine bound to handle, walking regions in
// [0, 0+windowLimit) via the real OS backend's region enumerator.
// windowLimit of 0 means unbounded.
func NewEngine(handle backend.Handle, windowLimit uint64) *Engine {
	return NewEngineWithRegions(handle, windowLimit, backend.NewRegionIterator)
}

// NewEngineWithRegions builds a scan engine like NewEngine, but against a
// caller-supplied region enumerator instead of the real OS backend. Tests
// use this to drive NewScan/NextScan/ScanResult against an in-memory fake
// handle without touching /proc or any other platform-specific source.
func NewEngineWithRegions(handle backend.Handle, windowLimit uint64, regions func(h backend.Handle, start, limit uintptr) (backend.RegionIterator, error)) *Engine {
	limit := uintptr(windowLimit)
	if windowLimit == 0 {
		limit = ^uintptr(0)
	}
	return &Engine{handle: handle, start: 0, limit: limit, regions: regions}
}

// Addresses returns the current candidate set. The returned slice is a
// private copy; mutating it does not affect the engine.
func (e *Engine) Addresses() []uintptr {
	out := make([]uintptr, len(e.addresses))
	copy(out, e.addresses)
	return out
}

// Count returns len(Addresses()) without the copy.
func (e *Engine) Count() int {
	return len(e.addresses)
}

// NewScan replaces the candidate set with every byte offset of every
// readable region that satisfies match, for a value of the given width.
// Every byte offset is tested, not just width-aligned ones: scanners have
// to find unaligned struct fields too.
func (e *Engine) NewScan(width int, match func([]byte) bool) error {
	if width <= 0 {
		return fmt.Errorf("scan: invalid width %d", width)
	}

	it, err := e.regions(e.handle, e.start, e.limit)
	if err != nil {
		return fmt.Errorf("scan: new_scan: %w", err)
	}

	addresses := make([]uintptr, 0)
	for {
		region, ok := it.Next()
		if !ok {
			break
		}
		if region.Perm == backend.PermNone {
			continue
		}

		regionLen := region.Len()
		if regionLen < width {
			continue
		}

		buf := make([]byte, regionLen)
		if err := e.handle.ReadAt(region.Start, buf); err != nil {
			continue
		}

		for offset := 0; offset <= regionLen-width; offset++ {
			if match(buf[offset : offset+width]) {
				addresses = append(addresses, region.Start+uintptr(offset))
			}
		}
	}

	e.addresses = addresses
	return nil
}

// NextScan re-reads every surviving candidate address and drops those that
// fail match or whose memory could no longer be read.
func (e *Engine) NextScan(width int, match func([]byte) bool) error {
	if width <= 0 {
		return fmt.Errorf("scan: invalid width %d", width)
	}

	survivors := make([]uintptr, 0, len(e.addresses))
	buf := make([]byte, width)
	for _, addr := range e.addresses {
		if err := e.handle.ReadAt(addr, buf); err != nil {
			continue
		}
		if match(buf) {
			survivors = append(survivors, addr)
		}
	}
	e.addresses = survivors
	return nil
}

// Result is one surviving address paired with its current raw bytes.
type Result struct {
	Address uintptr
	Value   []byte
}

// ScanResult re-reads a page of the candidate set, in address order,
// starting at offset and spanning at most limit entries. Unlike NextScan,
// a read failure here fails the whole call: scan_result is a point-in-time
// report and a caller that asked for an address's value deserves an error,
// not a page silently missing an entry.
func (e *Engine) ScanResult(width int, offset, limit int) ([]Result, error) {
	if width <= 0 {
		return nil, fmt.Errorf("scan: invalid width %d", width)
	}
	if offset < 0 || offset > len(e.addresses) {
		return nil, fmt.Errorf("scan: offset %d out of range [0, %d]", offset, len(e.addresses))
	}

	end := offset + limit
	if limit < 0 || end > len(e.addresses) {
		end = len(e.addresses)
	}

	results := make([]Result, 0, end-offset)
	for _, addr := range e.addresses[offset:end] {
		buf := make([]byte, width)
		if err := e.handle.ReadAt(addr, buf); err != nil {
			return nil, fmt.Errorf("scan: scan_result: read %#x: %w", addr, err)
		}
		results = append(results, Result{Address: addr, Value: buf})
	}
	return results, nil
}
