package session

import "errors"

// Sentinel errors for the controller state machine. internal/rpcserver
// maps each of these to a JSON-RPC error code; nothing here panics.
var (
	// ErrNoTarget is returned by new_scan, next_scan, and scan_result when
	// no process has been selected yet.
	ErrNoTarget = errors.New("session: no process selected")

	// ErrTypeMismatch is returned when next_scan is called with a different
	// (kind, signedness) than the session's first scan. scan_result takes
	// no type and always decodes with the remembered one.
	ErrTypeMismatch = errors.New("session: scan type does not match the active scan")

	// ErrUnsupportedType is returned for any value kind other than dword,
	// except that next_scan reports a known kind differing from the active
	// scan's as ErrTypeMismatch.
	ErrUnsupportedType = errors.New("session: unsupported value type")

	// ErrValueOutOfRange is returned when a scan literal does not fit in
	// the requested kind's width.
	ErrValueOutOfRange = errors.New("session: value out of range for type")

	// ErrProcessOpen is returned when select_process fails to open or
	// spawn its target; the session's prior state is left untouched.
	ErrProcessOpen = errors.New("session: failed to open target process")

	// ErrNoScanYet is returned by next_scan and scan_result before any
	// new_scan has run.
	ErrNoScanYet = errors.New("session: no scan has been started")
)
