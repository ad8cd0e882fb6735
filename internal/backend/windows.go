//go:build windows

package backend

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// NewProcessIterator walks a TH32CS_SNAPPROCESS snapshot. The name is the
// executable's short filename straight off PROCESSENTRY32; OpenHandle
// resolves a handle's name separately, through a module snapshot.
func NewProcessIterator() ProcessIterator {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return &windowsProcessIterator{err: err}
	}
	return &windowsProcessIterator{snap: snap}
}

type windowsProcessIterator struct {
	snap    windows.Handle
	started bool
	done    bool
	err     error
}

func (it *windowsProcessIterator) Next() (ProcessInfo, bool) {
	if it.err != nil || it.done {
		return ProcessInfo{}, false
	}

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var err error
	if !it.started {
		it.started = true
		err = windows.Process32First(it.snap, &entry)
	} else {
		err = windows.Process32Next(it.snap, &entry)
	}
	if err != nil {
		it.done = true
		windows.CloseHandle(it.snap)
		return ProcessInfo{}, false
	}

	name := windows.UTF16ToString(entry.ExeFile[:])
	return ProcessInfo{PID: int(entry.ProcessID), Name: name}, true
}

// windowsHandle wraps an OpenProcess handle. Attach/Detach are the
// DebugActiveProcess/DebugActiveProcessStop pair; ReadAt/WriteAt work
// without either since ReadProcessMemory/WriteProcessMemory don't require
// the debug API.
type windowsHandle struct {
	pid     int
	name    string
	handle  windows.Handle
	debugOn bool
}

const openAccess = windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_READ |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_VM_OPERATION

func OpenHandle(pid int) (Handle, error) {
	h, err := windows.OpenProcess(openAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("backend: OpenProcess(%d): %w", pid, err)
	}
	name, err := moduleName(uint32(pid))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("backend: resolve name for pid %d: %w", pid, err)
	}
	return &windowsHandle{pid: pid, name: name, handle: h}, nil
}

// moduleName takes a TH32CS_SNAPMODULE snapshot of pid and returns the
// first module's name — the process's own executable.
func moduleName(pid uint32) (string, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Module32First(snap, &entry); err != nil {
		return "", err
	}
	return windows.UTF16ToString(entry.szModule[:]), nil
}

func (h *windowsHandle) PID() int     { return h.pid }
func (h *windowsHandle) Name() string { return h.name }

func (h *windowsHandle) ReadAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(h.handle, addr, &buf[0], uintptr(len(buf)), &n)
	if err != nil {
		return fmt.Errorf("ReadProcessMemory pid=%d addr=%#x len=%d: %w", h.pid, addr, len(buf), err)
	}
	if int(n) != len(buf) {
		return fmt.Errorf("%w: ReadProcessMemory read %d of %d bytes", ErrShortTransfer, n, len(buf))
	}
	return nil
}

func (h *windowsHandle) WriteAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(h.handle, addr, &buf[0], uintptr(len(buf)), &n)
	if err != nil {
		return fmt.Errorf("WriteProcessMemory pid=%d addr=%#x len=%d: %w", h.pid, addr, len(buf), err)
	}
	if int(n) != len(buf) {
		return fmt.Errorf("%w: WriteProcessMemory wrote %d of %d bytes", ErrShortTransfer, n, len(buf))
	}
	return nil
}

func (h *windowsHandle) Attach() error {
	if err := windows.DebugActiveProcess(uint32(h.pid)); err != nil {
		return fmt.Errorf("DebugActiveProcess(%d): %w", h.pid, err)
	}
	h.debugOn = true
	return nil
}

func (h *windowsHandle) Detach() error {
	if !h.debugOn {
		return nil
	}
	if err := windows.DebugActiveProcessStop(uint32(h.pid)); err != nil {
		return fmt.Errorf("DebugActiveProcessStop(%d): %w", h.pid, err)
	}
	h.debugOn = false
	return nil
}

func (h *windowsHandle) Close() error {
	if h.debugOn {
		windows.DebugActiveProcessStop(uint32(h.pid))
		h.debugOn = false
	}
	return windows.CloseHandle(h.handle)
}

// windowsRegionIterator walks VirtualQueryEx results forward from start.
type windowsRegionIterator struct {
	process windows.Handle
	addr    uintptr
	stop    uintptr
	done    bool
}

func NewRegionIterator(h Handle, start, limit uintptr) (RegionIterator, error) {
	wh, ok := h.(*windowsHandle)
	if !ok {
		return nil, fmt.Errorf("backend: NewRegionIterator called with a non-Windows Handle")
	}
	return &windowsRegionIterator{process: wh.handle, addr: start, stop: start + limit}, nil
}

func (it *windowsRegionIterator) Next() (Region, bool) {
	for !it.done {
		var mbi windows.MemoryBasicInformation
		err := windows.VirtualQueryEx(it.process, it.addr, &mbi)
		if err != nil {
			it.done = true
			return Region{}, false
		}
		if mbi.RegionSize == 0 {
			it.done = true
			return Region{}, false
		}

		start := it.addr
		end := it.addr + mbi.RegionSize
		it.addr = end
		if it.stop > 0 && start >= it.stop {
			it.done = true
			return Region{}, false
		}

		if mbi.State != windows.MEM_COMMIT {
			continue
		}

		perm := PermNone
		switch mbi.Protect {
		case windows.PAGE_READONLY, windows.PAGE_EXECUTE_READ:
			perm = PermReadOnly
		case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY,
			windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
			perm = PermReadWrite
		}
		if perm == PermNone {
			continue
		}

		return Region{Start: start, End: end, Perm: perm, Kind: KindUnknown}, true
	}
	return Region{}, false
}

// CheckEnvironment reports gaps relevant to the doctor subcommand. The only
// one worth naming up front is SeDebugPrivilege, needed for OpenProcess
// against processes owned by other accounts.
func CheckEnvironment() []string {
	return []string{
		"Windows backend assumes SeDebugPrivilege is available; without it OpenProcess will fail for processes owned by other users or elevated processes",
	}
}
