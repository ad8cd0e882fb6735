// Package session implements the controller that sits between the RPC
// front end and the scan engine: it owns the currently selected target
// process, the remembered scan type, and the narrowing candidate set, and
// it is the single place that enforces the state machine (no target →
// bound → scanned) described by the scanning protocol.
package session

import (
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"

	"github.com/duskpoint/memscan/internal/backend"
	"github.com/duskpoint/memscan/internal/scan"
)

// SelectParams mirrors the untagged {pid} | {path} union: PID is tried
// first, then Path, matching the order the wire format documents.
type SelectParams struct {
	PID  *int
	Path *string
}

// ResultEntry is one decoded (address, value) pair from scan_result.
type ResultEntry struct {
	Address uintptr
	Value   any
}

// Session is the mutex-guarded controller for one selected target. Every
// exported method takes the mutex for its entire body, so the state
// machine transitions (select_process resets; new_scan binds a type;
// next_scan/scan_result require a prior new_scan) are always observed
// atomically — there is never a partial transition visible to a second
// caller.
type Session struct {
	mu sync.Mutex

	handle  backend.Handle
	engine  *scan.Engine
	kind    scan.ValueType
	signed  bool
	scanned bool
	child   *exec.Cmd

	regionWindowLimit uint64

	// Swappable for tests; default to the real backend.
	newProcessIterator func() backend.ProcessIterator
	openHandle         func(pid int) (backend.Handle, error)
	regions            func(h backend.Handle, start, limit uintptr) (backend.RegionIterator, error)
}

// New builds an empty (no target) session against the real OS backend.
// regionWindowLimit bounds how far past address 0 new_scan walks a
// target's region list; 0 means unbounded.
func New(regionWindowLimit uint64) *Session {
	return NewWithBackend(regionWindowLimit, backend.NewProcessIterator, backend.OpenHandle)
}

// NewWithBackend builds a session against a caller-supplied process
// enumerator and handle opener, with the real OS backend's region
// enumerator. Tests that exercise select_process/list_processes without
// touching new_scan/next_scan/scan_result can use this directly.
func NewWithBackend(regionWindowLimit uint64, newProcessIterator func() backend.ProcessIterator, openHandle func(pid int) (backend.Handle, error)) *Session {
	return NewWithFakeBackend(regionWindowLimit, newProcessIterator, openHandle, backend.NewRegionIterator)
}

// NewWithFakeBackend builds a session against a caller-supplied process
// enumerator, handle opener, and region enumerator, bypassing the real OS
// backend entirely. Tests use this to drive the full
// select_process/new_scan/next_scan/scan_result flow against an
// in-memory fake handle and region list; a future multi-backend front
// end could use the same seam to target something other than a live
// local process.
func NewWithFakeBackend(regionWindowLimit uint64, newProcessIterator func() backend.ProcessIterator, openHandle func(pid int) (backend.Handle, error), regions func(h backend.Handle, start, limit uintptr) (backend.RegionIterator, error)) *Session {
	return &Session{
		regionWindowLimit:  regionWindowLimit,
		newProcessIterator: newProcessIterator,
		openHandle:         openHandle,
		regions:            regions,
	}
}

// ListProcesses returns every process the backend can currently see. It
// never mutates session state.
func (s *Session) ListProcesses() ([]backend.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.newProcessIterator()
	var out []backend.ProcessInfo
	for {
		info, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, info)
	}
	return out, nil
}

// SelectProcess opens params.PID if set, else spawns params.Path with its
// stdio detached and opens the child. On success it replaces any prior
// target, discards the remembered scan type, and resets the candidate
// set. On failure the session's prior state is left untouched.
func (s *Session) SelectProcess(params SelectParams) (backend.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pid int
	var child *exec.Cmd

	switch {
	case params.PID != nil:
		pid = *params.PID
	case params.Path != nil:
		cmd := exec.Command(*params.Path)
		// Leaving Stdin/Stdout/Stderr nil connects the child to the null
		// device, matching a fully detached spawn.
		if err := cmd.Start(); err != nil {
			return backend.ProcessInfo{}, fmt.Errorf("%w: spawn %s: %v", ErrProcessOpen, *params.Path, err)
		}
		pid = cmd.Process.Pid
		child = cmd
	default:
		return backend.ProcessInfo{}, fmt.Errorf("%w: neither pid nor path given", ErrProcessOpen)
	}

	handle, err := s.openHandle(pid)
	if err != nil {
		if child != nil {
			child.Process.Kill()
			child.Wait()
		}
		return backend.ProcessInfo{}, fmt.Errorf("%w: %v", ErrProcessOpen, err)
	}

	if s.handle != nil {
		s.handle.Close()
	}
	if s.child != nil && s.child.Process != nil {
		s.child.Process.Kill()
		s.child.Wait()
	}

	s.handle = handle
	s.engine = scan.NewEngineWithRegions(handle, s.regionWindowLimit, s.regions)
	s.scanned = false
	s.child = child

	return backend.ProcessInfo{PID: handle.PID(), Name: handle.Name()}, nil
}

// NewScan runs a fresh new_scan against the active target, recording
// (kind, signedness) for every subsequent next_scan/scan_result call.
func (s *Session) NewScan(typeName string, literal json.Number) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return 0, ErrNoTarget
	}

	kind, signed, value, err := parseScanValue(typeName, literal)
	if err != nil {
		return 0, err
	}
	codec, err := scan.CodecFor(kind, signed)
	if err != nil {
		return 0, err
	}
	if err := s.engine.NewScan(codec.Width, codec.Match(value)); err != nil {
		return 0, fmt.Errorf("session: new_scan: %w", err)
	}

	s.kind = kind
	s.signed = signed
	s.scanned = true
	return s.engine.Count(), nil
}

// NextScan narrows the existing candidate set. The requested type must
// match the session's remembered (kind, signedness) from the first
// new_scan, or ErrTypeMismatch is returned and the candidate set is left
// unchanged.
func (s *Session) NextScan(typeName string, literal json.Number) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return 0, ErrNoTarget
	}
	if !s.scanned {
		return 0, ErrNoScanYet
	}
	// A kind that differs from the active scan's is a mismatch even when
	// new_scan would refuse that kind as unsupported.
	if kind, ok := parseKind(strings.ToLower(typeName)); ok && kind != s.kind {
		return 0, ErrTypeMismatch
	}

	kind, signed, value, err := parseScanValue(typeName, literal)
	if err != nil {
		return 0, err
	}
	if kind != s.kind || signed != s.signed {
		return 0, ErrTypeMismatch
	}

	codec, err := scan.CodecFor(kind, signed)
	if err != nil {
		return 0, err
	}
	if err := s.engine.NextScan(codec.Width, codec.Match(value)); err != nil {
		return 0, fmt.Errorf("session: next_scan: %w", err)
	}
	return s.engine.Count(), nil
}

// ScanResult returns a decoded page of the current candidate set, in
// address order, using the session's remembered scan type.
func (s *Session) ScanResult(offset, limit int) ([]ResultEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return nil, ErrNoTarget
	}
	if !s.scanned {
		return nil, ErrNoScanYet
	}

	codec, err := scan.CodecFor(s.kind, s.signed)
	if err != nil {
		return nil, err
	}
	raw, err := s.engine.ScanResult(codec.Width, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("session: scan_result: %w", err)
	}

	out := make([]ResultEntry, len(raw))
	for i, r := range raw {
		out[i] = ResultEntry{Address: r.Address, Value: codec.Decode(r.Value)}
	}
	return out, nil
}

// Close releases the active handle and kills any child process this
// session spawned via SelectProcess({path}) rather than orphaning it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.handle != nil {
		err = s.handle.Close()
		s.handle = nil
	}
	if s.child != nil && s.child.Process != nil {
		s.child.Process.Kill()
		s.child.Wait()
		s.child = nil
	}
	return err
}

func parseKind(name string) (scan.ValueType, bool) {
	switch name {
	case "byte":
		return scan.TypeByte, true
	case "word":
		return scan.TypeWord, true
	case "dword":
		return scan.TypeDWord, true
	case "qword":
		return scan.TypeQWord, true
	case "float":
		return scan.TypeFloat, true
	case "double":
		return scan.TypeDouble, true
	default:
		return scan.TypeUnknown, false
	}
}

// parseScanValue resolves a wire-level {type, value} pair into a
// (kind, signed, literal) triple. Signedness follows the literal itself:
// non-negative values are unsigned, negative values are signed.
func parseScanValue(typeName string, literal json.Number) (scan.ValueType, bool, int64, error) {
	kind, ok := parseKind(strings.ToLower(typeName))
	if !ok {
		return 0, false, 0, fmt.Errorf("%w: unknown type %q", ErrUnsupportedType, typeName)
	}
	if kind != scan.TypeDWord {
		return 0, false, 0, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}

	i, err := literal.Int64()
	if err != nil {
		return 0, false, 0, fmt.Errorf("%w: %s is not an integer literal", ErrValueOutOfRange, literal)
	}

	signed := i < 0
	if signed {
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, false, 0, fmt.Errorf("%w: %d does not fit in a signed dword", ErrValueOutOfRange, i)
		}
	} else if i > math.MaxUint32 {
		return 0, false, 0, fmt.Errorf("%w: %d does not fit in an unsigned dword", ErrValueOutOfRange, i)
	}

	return kind, signed, i, nil
}
