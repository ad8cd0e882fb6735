package rpcserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/duskpoint/memscan/internal/logger"
	"github.com/duskpoint/memscan/internal/session"
)

// handlerFunc decodes raw params against a live session and returns the
// value to place in a successful response's result field.
type handlerFunc func(s *session.Session, params json.RawMessage) (any, error)

// methods is the dispatch-by-name table every request is routed through.
var methods = map[string]handlerFunc{
	"list_processes": handleListProcesses,
	"select_process": handleSelectProcess,
	"new_scan":       handleNewScan,
	"next_scan":      handleNextScan,
	"scan_result":    handleScanResult,
}

// blockingMethods names the methods the concurrency model requires be
// treated as blocking-capable so they never starve list_processes/
// select_process on a future multi-connection front end. With exactly one
// connection, every request is handled in turn on the Serve goroutine and
// there is nothing to starve yet, so this table is only reported in the
// debug log line for each request rather than acting as a real
// worker-pool flag.
var blockingMethods = map[string]bool{
	"new_scan":    true,
	"next_scan":   true,
	"scan_result": true,
}

// Server reads one JSON-RPC request per line from in and writes one
// response per line to out, against a single session for its entire
// lifetime.
type Server struct {
	in   io.Reader
	out  io.Writer
	sess *session.Session
}

// New builds a server around sess. sess is not closed by Serve; callers
// own its lifetime.
func New(in io.Reader, out io.Writer, sess *session.Session) *Server {
	return &Server{in: in, out: out, sess: sess}
}

// Serve runs the read-dispatch-write loop until in reports EOF. A blank
// line, a decode error, or an unknown method produces an error response
// for that line and the loop continues; only EOF, a read error (including
// a line longer than 16 MiB), or a write failure ends it.
func (s *Server) Serve() error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var resp Response
		if len(line) == 0 {
			resp = errorResponse(nil, CodeInvalidRequest, "empty request line")
		} else {
			resp = s.handleLine(append([]byte(nil), line...))
		}

		if err := s.writeResponse(resp); err != nil {
			return fmt.Errorf("rpcserver: write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) handleLine(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(nil, CodeParseError, "invalid JSON: "+err.Error())
	}

	handler, ok := methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}

	logger.Debug("rpc request", "method", req.Method, "blocking", blockingMethods[req.Method])

	result, err := handler(s.sess, req.Params)
	if err != nil {
		return errorResponse(req.ID, codeForError(err), err.Error())
	}
	return resultResponse(req.ID, result)
}

func (s *Server) writeResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = s.out.Write(data)
	return err
}

func codeForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNoTarget), errors.Is(err, session.ErrNoScanYet):
		return CodeNoTarget
	case errors.Is(err, session.ErrTypeMismatch):
		return CodeTypeMismatch
	case errors.Is(err, session.ErrUnsupportedType):
		return CodeUnsupportedType
	case errors.Is(err, session.ErrValueOutOfRange):
		return CodeValueOutOfRange
	case errors.Is(err, session.ErrProcessOpen):
		return CodeProcessOpenError
	case errors.Is(err, errBadParams):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

func handleListProcesses(s *session.Session, _ json.RawMessage) (any, error) {
	procs, err := s.ListProcesses()
	if err != nil {
		return nil, err
	}
	out := make([]processDTO, len(procs))
	for i, p := range procs {
		out[i] = processDTO{PID: p.PID, Name: p.Name}
	}
	return out, nil
}

type processDTO struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

type selectProcessParams struct {
	PID  *int    `json:"pid,omitempty"`
	Path *string `json:"path,omitempty"`
}

func handleSelectProcess(s *session.Session, raw json.RawMessage) (any, error) {
	var p selectProcessParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("select_process: %w", errInvalidParams(err))
		}
	}

	info, err := s.SelectProcess(session.SelectParams{PID: p.PID, Path: p.Path})
	if err != nil {
		return nil, err
	}
	return processDTO{PID: info.PID, Name: info.Name}, nil
}

type scanValueParams struct {
	Value struct {
		Type  string      `json:"type"`
		Value json.Number `json:"value"`
	} `json:"value"`
}

type scanCountResult struct {
	Count int `json:"count"`
}

func handleNewScan(s *session.Session, raw json.RawMessage) (any, error) {
	var p scanValueParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("new_scan: %w", errInvalidParams(err))
	}
	count, err := s.NewScan(p.Value.Type, p.Value.Value)
	if err != nil {
		return nil, err
	}
	return scanCountResult{Count: count}, nil
}

func handleNextScan(s *session.Session, raw json.RawMessage) (any, error) {
	var p scanValueParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("next_scan: %w", errInvalidParams(err))
	}
	count, err := s.NextScan(p.Value.Type, p.Value.Value)
	if err != nil {
		return nil, err
	}
	return scanCountResult{Count: count}, nil
}

type scanResultParams struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type scanResultEntry struct {
	Address uintptr `json:"address"`
	Value   any     `json:"value"`
}

func handleScanResult(s *session.Session, raw json.RawMessage) (any, error) {
	var p scanResultParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("scan_result: %w", errInvalidParams(err))
	}
	entries, err := s.ScanResult(p.Offset, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]scanResultEntry, len(entries))
	for i, e := range entries {
		out[i] = scanResultEntry{Address: e.Address, Value: e.Value}
	}
	return out, nil
}

// errBadParams marks a params decode failure for codeForError.
var errBadParams = errors.New("invalid params")

// errInvalidParams wraps a params decode error so codeForError reports it
// as CodeInvalidParams instead of letting its default case
// (CodeInternalError) masquerade a malformed request as a server bug. A
// decode failure of the envelope itself is reported separately, as
// CodeParseError, by handleLine.
func errInvalidParams(err error) error {
	return fmt.Errorf("%w: %w", errBadParams, err)
}
