// Package localsocket implements the dispatcher's local control socket
// (SPEC_FULL.md §6): a length-prefixed JSON request/response protocol
// over a Unix domain socket, trusted by filesystem permission alone
// (socket file mode 0600), used by ejctl to create the root client and submit jobs
// without going through the HTTP API's bearer-token auth.
package localsocket

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/ej-framework/ej/internal/dispatcher"
	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/storage"
)

// RequestType discriminates local control socket requests.
type RequestType string

const (
	RequestCreateRootUser RequestType = "create_root_user"
	RequestDispatchBuild  RequestType = "dispatch_build"
	RequestDispatchRun    RequestType = "dispatch_run"
)

// Request is the length-prefixed envelope ejctl sends.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is what the socket sends back: exactly one of Result or the
// taxonomic error Kind/Message pair.
type Response struct {
	Ok      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

type createRootUserPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createRootUserResult struct {
	ClientID string `json:"client_id"`
}

type dispatchPayload struct {
	CommitHash  string `json:"commit_hash"`
	RemoteURL   string `json:"remote_url"`
	FetchToken  string `json:"fetch_token"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// dispatchResult mirrors storage.JobOutcome: the local socket's
// dispatch_build/dispatch_run response is the full JobOutcome (logs,
// results, success flag), not just the job id (SPEC_FULL.md §6).
type dispatchResult struct {
	JobID   string            `json:"job_id"`
	Status  string            `json:"status"`
	Success bool              `json:"success"`
	Summary string            `json:"summary,omitempty"`
	Logs    []models.JobLog    `json:"logs,omitempty"`
	Results []models.JobResult `json:"results,omitempty"`
}

// Server serves the local control socket.
type Server struct {
	path string
	d    *dispatcher.Dispatcher
	st   storage.Store
	l    net.Listener
}

// New creates the socket at path and restricts the socket file to mode
// 0600, matching the trust boundary decision recorded in DESIGN.md.
func New(path string, d *dispatcher.Dispatcher, st storage.Store) (*Server, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("localsocket: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("localsocket: chmod %s: %w", path, err)
	}
	return &Server{path: path, d: d, st: st, l: l}, nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	err := s.l.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return
	}
	body := make([]byte, length)
	if _, err := r.Read(body); err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(conn, errorResponse(ejerr.New(ejerr.BadRequest, err)))
		return
	}

	resp := s.handle(req)
	writeResponse(conn, resp)
}

func (s *Server) handle(req Request) Response {
	switch req.Type {
	case RequestCreateRootUser:
		var p createRootUserPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(ejerr.New(ejerr.BadRequest, err))
		}
		id, err := s.st.CreateClient(p.Username, p.Password, "admin")
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(createRootUserResult{ClientID: id})

	case RequestDispatchBuild, RequestDispatchRun:
		var p dispatchPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errorResponse(ejerr.New(ejerr.BadRequest, err))
		}
		kind := models.JobKindBuild
		if req.Type == RequestDispatchRun {
			kind = models.JobKindBuildRun
		}
		// The local socket has no per-request deadline of its own; the
		// job's own timeout (armed on dispatch) is what eventually
		// unblocks Submit if no builder ever finishes it.
		outcome, err := s.d.Submit(context.Background(), kind, p.CommitHash, p.RemoteURL, p.FetchToken, p.TimeoutSecs)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(dispatchResult{
			JobID: outcome.JobID, Status: outcome.Status, Success: outcome.Success,
			Summary: outcome.Summary, Logs: outcome.Logs, Results: outcome.Results,
		})

	default:
		return errorResponse(ejerr.New(ejerr.BadRequest, fmt.Errorf("localsocket: unknown request type %q", req.Type)))
	}
}

func okResponse(v any) Response {
	b, _ := json.Marshal(v)
	return Response{Ok: true, Result: b}
}

func errorResponse(err error) Response {
	kind, ok := ejerr.Of(err)
	if !ok {
		kind = ejerr.StorageError
	}
	return Response{Ok: false, Kind: string(kind), Message: err.Error()}
}

func writeResponse(conn net.Conn, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = binary.Write(conn, binary.BigEndian, uint32(len(body)))
	_, _ = conn.Write(body)
}

// Call is the client-side helper ejctl uses to issue one request and
// read back its response over a freshly dialed connection.
func Call(socketPath string, reqType RequestType, payload any) (*Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("localsocket: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("localsocket: marshal payload: %w", err)
	}
	req, err := json.Marshal(Request{Type: reqType, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("localsocket: marshal request: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(req))); err != nil {
		return nil, fmt.Errorf("localsocket: write length: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("localsocket: write body: %w", err)
	}

	r := bufio.NewReader(conn)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("localsocket: read response length: %w", err)
	}
	respBody := make([]byte, length)
	if _, err := r.Read(respBody); err != nil {
		return nil, fmt.Errorf("localsocket: read response body: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("localsocket: unmarshal response: %w", err)
	}
	return &resp, nil
}
