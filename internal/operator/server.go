// Package operator — server.go
//
// Unix domain socket server for kernel agent operator overrides: status,
// manual E-STOP, clear-E-STOP, and lease inspection.
//
// Protocol: one JSON request per connection, one JSON response, then close.
// Socket path: /run/kerneld/operator.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status"}
//	  -> {"ok":true,"state":"READY","estopped":false,"lease":{"seq":3,...}}
//
//	{"cmd":"estop"}
//	  -> {"ok":true,"state":"ESTOPPED"}
//
//	{"cmd":"clear_estop"}
//	  -> {"ok":true,"state":"UNINITIALIZED"}
//
// All commands other than status mutate ControllerState directly; the
// caller remains responsible for installing a fresh lease after clear_estop
// (clear_estop alone does not return the controller to READY).
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rfsn/kernel/internal/controller"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Registry is the subset of *controller.ControllerState the operator
// server needs. Kept as an interface so tests can supply a fake.
type Registry interface {
	CurrentState() controller.State
	Estopped() bool
	ApplyEstop()
	ClearEstop()
	ActiveLeaseInfo() (controller.LeaseInfo, bool)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd string `json:"cmd"` // status | estop | clear_estop
}

// LeaseSnapshot is the JSON-serializable form of controller.LeaseInfo.
type LeaseSnapshot struct {
	Seq     int64   `json:"seq"`
	LeaseID string  `json:"lease_id"`
	IssuedT float64 `json:"issued_t"`
	ExpiryT float64 `json:"expiry_t"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	State    string         `json:"state,omitempty"`
	Estopped bool           `json:"estopped,omitempty"`
	Lease    *LeaseSnapshot `json:"lease,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   Registry
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "estop":
		return s.cmdEstop()
	case "clear_estop":
		return s.cmdClearEstop()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	resp := Response{
		OK:       true,
		State:    s.registry.CurrentState().String(),
		Estopped: s.registry.Estopped(),
	}
	if info, ok := s.registry.ActiveLeaseInfo(); ok {
		resp.Lease = &LeaseSnapshot{Seq: info.Seq, LeaseID: info.LeaseID, IssuedT: info.IssuedT, ExpiryT: info.ExpiryT}
	}
	return resp
}

func (s *Server) cmdEstop() Response {
	s.registry.ApplyEstop()
	s.log.Warn("operator: manual E-STOP applied")
	return Response{OK: true, State: s.registry.CurrentState().String()}
}

func (s *Server) cmdClearEstop() Response {
	s.registry.ClearEstop()
	s.log.Info("operator: E-STOP cleared")
	return Response{OK: true, State: s.registry.CurrentState().String()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
