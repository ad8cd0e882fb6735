package rpcserver

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/duskpoint/memscan/internal/backend"
	"github.com/duskpoint/memscan/internal/session"
)

// fakeHandle is shared setup for the session wired into each test server,
// mirroring internal/session's own fake.
type fakeHandle struct {
	pid        int
	name       string
	mem        []byte
	unreadable map[uintptr]bool
}

func (f *fakeHandle) PID() int     { return f.pid }
func (f *fakeHandle) Name() string { return f.name }

func (f *fakeHandle) ReadAt(addr uintptr, buf []byte) error {
	if f.unreadable[addr] {
		return fmt.Errorf("fakeHandle: %#x unreadable", addr)
	}
	end := int(addr) + len(buf)
	if end > len(f.mem) {
		return fmt.Errorf("fakeHandle: read past end of memory")
	}
	copy(buf, f.mem[addr:end])
	return nil
}

func (f *fakeHandle) WriteAt(addr uintptr, buf []byte) error {
	end := int(addr) + len(buf)
	if end > len(f.mem) {
		return fmt.Errorf("fakeHandle: write past end of memory")
	}
	copy(f.mem[addr:end], buf)
	return nil
}

func (f *fakeHandle) Attach() error { return nil }
func (f *fakeHandle) Detach() error { return nil }
func (f *fakeHandle) Close() error  { return nil }

type oneShotIterator struct {
	info backend.ProcessInfo
	done bool
}

func (it *oneShotIterator) Next() (backend.ProcessInfo, bool) {
	if it.done {
		return backend.ProcessInfo{}, false
	}
	it.done = true
	return it.info, true
}

func putDword(mem []byte, addr uintptr, v uint32) {
	binary.LittleEndian.PutUint32(mem[addr:addr+4], v)
}

// runLines feeds requestLines (already-encoded JSON, one per element)
// through a fresh Server and returns the decoded responses in order.
func runLines(t *testing.T, sess *session.Session, requestLines []string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(requestLines, "\n") + "\n")
	var out bytes.Buffer

	srv := New(in, &out, sess)
	if err := srv.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var responses []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		responses = append(responses, r)
	}
	if len(responses) != len(requestLines) {
		t.Fatalf("got %d responses, want %d", len(responses), len(requestLines))
	}
	return responses
}

func newSessionWithFake(h *fakeHandle) *session.Session {
	return session.NewWithFakeBackend(0,
		func() backend.ProcessIterator {
			return &oneShotIterator{info: backend.ProcessInfo{PID: h.pid, Name: h.name}}
		},
		func(pid int) (backend.Handle, error) {
			if pid != h.pid {
				return nil, fmt.Errorf("no such pid %d", pid)
			}
			return h, nil
		},
		fakeRegionsFor(h),
	)
}

// fakeRegionsFor stands in for the real OS backend's region enumerator: one
// readable/writable region spanning h's entire in-memory buffer.
func fakeRegionsFor(h *fakeHandle) func(backend.Handle, uintptr, uintptr) (backend.RegionIterator, error) {
	return func(backend.Handle, uintptr, uintptr) (backend.RegionIterator, error) {
		return &fakeRegionIterator{regions: []backend.Region{
			{Start: 0, End: uintptr(len(h.mem)), Perm: backend.PermReadWrite},
		}}, nil
	}
}

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

func TestListProcessesRoundTrip(t *testing.T) {
	sess := session.New(0)
	resp := runLines(t, sess, []string{`{"jsonrpc":"2.0","id":1,"method":"list_processes"}`})[0]

	if resp.Error != nil {
		t.Fatalf("list_processes error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("list_processes result is nil")
	}
}

func TestUnknownMethod(t *testing.T) {
	sess := session.New(0)
	resp := runLines(t, sess, []string{`{"jsonrpc":"2.0","id":1,"method":"does_not_exist"}`})[0]

	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("unknown method: got %+v, want CodeMethodNotFound", resp.Error)
	}
}

func TestMalformedLineProducesParseErrorAndContinues(t *testing.T) {
	sess := session.New(0)
	responses := runLines(t, sess, []string{
		`not json at all`,
		`{"jsonrpc":"2.0","id":2,"method":"list_processes"}`,
	})

	if responses[0].Error == nil || responses[0].Error.Code != CodeParseError {
		t.Fatalf("malformed line: got %+v, want CodeParseError", responses[0].Error)
	}
	if responses[1].Error != nil {
		t.Fatalf("line after malformed one: got error %+v, want success (loop must continue)", responses[1].Error)
	}
}

func TestBlankLineProducesErrorResponseAndContinues(t *testing.T) {
	sess := session.New(0)
	responses := runLines(t, sess, []string{
		``,
		`{"jsonrpc":"2.0","id":2,"method":"list_processes"}`,
	})

	if responses[0].Error == nil || responses[0].Error.Code != CodeInvalidRequest {
		t.Fatalf("blank line: got %+v, want CodeInvalidRequest", responses[0].Error)
	}
	if responses[1].Error != nil {
		t.Fatalf("line after blank one: got error %+v, want success (loop must continue)", responses[1].Error)
	}
}

func TestNewScanBeforeSelectProcessIsNoTarget(t *testing.T) {
	sess := session.New(0)
	resp := runLines(t, sess, []string{
		`{"jsonrpc":"2.0","id":1,"method":"new_scan","params":{"value":{"type":"dword","value":5}}}`,
	})[0]

	if resp.Error == nil || resp.Error.Code != CodeNoTarget {
		t.Fatalf("new_scan before select_process: got %+v, want CodeNoTarget", resp.Error)
	}
}

func TestFullScanFlowThroughLineProtocol(t *testing.T) {
	mem := make([]byte, 64)
	const addrA = uintptr(24)
	putDword(mem, addrA, 0x11223344)

	h := &fakeHandle{pid: 321, name: "target", mem: mem, unreadable: map[uintptr]bool{}}
	sess := newSessionWithFake(h)

	responses := runLines(t, sess, []string{
		fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"select_process","params":{"pid":%d}}`, h.pid),
		`{"jsonrpc":"2.0","id":2,"method":"new_scan","params":{"value":{"type":"dword","value":287454020}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"scan_result","params":{"offset":0,"limit":100}}`,
	})

	for _, r := range responses {
		if r.Error != nil {
			t.Fatalf("unexpected error in flow: %+v", r.Error)
		}
	}

	var page []scanResultEntry
	resultBytes, _ := json.Marshal(responses[2].Result)
	if err := json.Unmarshal(resultBytes, &page); err != nil {
		t.Fatalf("decode scan_result: %v", err)
	}

	found := false
	for _, e := range page {
		if e.Address == addrA {
			found = true
		}
	}
	if !found {
		t.Errorf("scan_result %+v does not contain planted address %#x", page, addrA)
	}
}

func TestNextScanTypeMismatchThroughLineProtocol(t *testing.T) {
	mem := make([]byte, 32)
	putDword(mem, 0, 7)

	h := &fakeHandle{pid: 77, name: "target", mem: mem, unreadable: map[uintptr]bool{}}
	sess := newSessionWithFake(h)

	responses := runLines(t, sess, []string{
		fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"select_process","params":{"pid":%d}}`, h.pid),
		`{"jsonrpc":"2.0","id":2,"method":"new_scan","params":{"value":{"type":"dword","value":7}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"next_scan","params":{"value":{"type":"word","value":7}}}`,
	})

	if responses[2].Error == nil || responses[2].Error.Code != CodeTypeMismatch {
		t.Fatalf("next_scan with mismatched type: got %+v, want CodeTypeMismatch", responses[2].Error)
	}
}
