//go:build linux

package backend

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// NewProcessIterator enumerates /proc, treating every numeric entry name as
// a PID. Entries that disappear or fail to stat between ReadDir and the
// comm read are skipped, not surfaced.
func NewProcessIterator() ProcessIterator {
	entries, _ := os.ReadDir("/proc")
	return &linuxProcessIterator{entries: entries}
}

type linuxProcessIterator struct {
	entries []os.DirEntry
	idx     int
}

func (it *linuxProcessIterator) Next() (ProcessInfo, bool) {
	for it.idx < len(it.entries) {
		name := it.entries[it.idx].Name()
		it.idx++

		pid, err := strconv.Atoi(name)
		if err != nil || pid < 0 {
			continue
		}
		comm, err := readComm(pid)
		if err != nil {
			continue
		}
		return ProcessInfo{PID: pid, Name: comm}, true
	}
	return ProcessInfo{}, false
}

func readComm(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n\r\t "), nil
}

// linuxHandle is a process_vm_readv/writev + ptrace-based Handle. ptrace
// calls must be issued from the same OS thread for the lifetime of an
// attach, so Attach/Detach are serialized through a dedicated goroutine
// that locks itself to one OS thread — the same shape as the
// ptrace-dedicated-goroutine used by traditional Go ptrace-based debuggers.
type linuxHandle struct {
	pid  int
	name string

	ptraceJobs chan func() error
	ptraceRes  chan error
	done       chan struct{}
}

// OpenHandle opens pid for reading/writing. It does not attach; ReadAt and
// WriteAt work on an un-attached target since process_vm_readv/writev do
// not require ptrace.
func OpenHandle(pid int) (Handle, error) {
	name, err := readComm(pid)
	if err != nil {
		return nil, fmt.Errorf("backend: open pid %d: %w", pid, err)
	}

	h := &linuxHandle{
		pid:        pid,
		name:       name,
		ptraceJobs: make(chan func() error),
		ptraceRes:  make(chan error),
		done:       make(chan struct{}),
	}
	go h.ptraceLoop()
	return h, nil
}

func (h *linuxHandle) ptraceLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case fn := <-h.ptraceJobs:
			h.ptraceRes <- fn()
		case <-h.done:
			return
		}
	}
}

func (h *linuxHandle) runOnPtraceThread(fn func() error) error {
	select {
	case h.ptraceJobs <- fn:
		return <-h.ptraceRes
	case <-h.done:
		return fmt.Errorf("backend: handle for pid %d is closed", h.pid)
	}
}

func (h *linuxHandle) PID() int     { return h.pid }
func (h *linuxHandle) Name() string { return h.name }

func (h *linuxHandle) ReadAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMReadv(h.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_readv pid=%d addr=%#x len=%d: %w", h.pid, addr, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: process_vm_readv read %d of %d bytes", ErrShortTransfer, n, len(buf))
	}
	return nil
}

func (h *linuxHandle) WriteAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMWritev(h.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_writev pid=%d addr=%#x len=%d: %w", h.pid, addr, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: process_vm_writev wrote %d of %d bytes", ErrShortTransfer, n, len(buf))
	}
	return nil
}

func (h *linuxHandle) Attach() error {
	return h.runOnPtraceThread(func() error {
		if err := unix.PtraceAttach(h.pid); err != nil {
			return fmt.Errorf("ptrace(ATTACH, %d): %w", h.pid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(h.pid, &ws, 0, nil); err != nil {
			return fmt.Errorf("waitpid(%d): %w", h.pid, err)
		}
		return nil
	})
}

func (h *linuxHandle) Detach() error {
	return h.runOnPtraceThread(func() error {
		if err := unix.PtraceDetach(h.pid); err != nil {
			return fmt.Errorf("ptrace(DETACH, %d): %w", h.pid, err)
		}
		_ = unix.Kill(h.pid, unix.SIGCONT)
		return nil
	})
}

func (h *linuxHandle) Close() error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

// linuxRegionIterator walks /proc/<pid>/maps line by line.
type linuxRegionIterator struct {
	f       *os.File
	scanner *bufio.Scanner
	start   uintptr
	stop    uintptr // start + limit; iteration halts once a region's start reaches this
	ownName string
	closed  bool
}

// NewRegionIterator produces every accessible region of h whose start lies
// in [start, start+limit). Regions with permission "none" and, on Linux,
// regions that are neither stack, heap, nor the target's own executable
// mapping are skipped.
func NewRegionIterator(h Handle, start, limit uintptr) (RegionIterator, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", h.PID()))
	if err != nil {
		return nil, fmt.Errorf("backend: open maps for pid %d: %w", h.PID(), err)
	}
	return &linuxRegionIterator{
		f:       f,
		scanner: bufio.NewScanner(f),
		start:   start,
		stop:    start + limit,
		ownName: h.Name(),
	}, nil
}

func (it *linuxRegionIterator) Next() (Region, bool) {
	if it.closed {
		return Region{}, false
	}
	for it.scanner.Scan() {
		fields := strings.Fields(it.scanner.Text())
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := parseMapsRange(fields[0])
		if !ok {
			continue
		}
		if lo < it.start {
			continue
		}
		if it.stop > it.start && lo >= it.stop {
			break
		}

		perm := PermNone
		if len(fields[1]) >= 2 {
			switch fields[1][0:2] {
			case "r-":
				perm = PermReadOnly
			case "rw":
				perm = PermReadWrite
			}
		}
		if perm == PermNone {
			continue
		}

		label := ""
		if len(fields) >= 6 {
			label = strings.Join(fields[5:], " ")
		}

		var kind Kind
		switch {
		case strings.Contains(label, "[stack]"):
			kind = KindStack
		case strings.Contains(label, "[heap]"):
			kind = KindHeap
		case it.ownName != "" && strings.Contains(label, it.ownName):
			kind = KindModule
		default:
			continue
		}

		return Region{Start: lo, End: hi, Perm: perm, Kind: kind}, true
	}
	it.f.Close()
	it.closed = true
	return Region{}, false
}

func parseMapsRange(field string) (lo, hi uintptr, ok bool) {
	parts := strings.SplitN(field, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	loVal, err1 := strconv.ParseUint(parts[0], 16, 64)
	hiVal, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uintptr(loVal), uintptr(hiVal), true
}

// CheckEnvironment reports human-readable gaps between what this host
// grants and what the Linux backend needs, for the doctor subcommand.
func CheckEnvironment() []string {
	var gaps []string
	if _, err := os.Stat("/proc"); err != nil {
		gaps = append(gaps, "/proc is not readable: "+err.Error())
	}
	if os.Geteuid() != 0 && !hasCapSysPtrace() {
		gaps = append(gaps, "not root and missing CAP_SYS_PTRACE: attach/detach and cross-UID process_vm_readv/writev will fail")
	}
	return gaps
}

func hasCapSysPtrace() bool {
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err != nil {
		return false
	}
	return data.Effective&(1<<unix.CAP_SYS_PTRACE) != 0
}
