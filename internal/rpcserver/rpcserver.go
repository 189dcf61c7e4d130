// Package rpcserver implements the RPC frontend (§4.9): record framing,
// the RPC call/reply header layout, the accept loop, and the required
// error mapping table. It has no NFS-specific knowledge; it dispatches
// decoded calls to a Handler supplied by the caller.
package rpcserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nfsd-core/nfsd/internal/authgate"
	"github.com/nfsd-core/nfsd/internal/logger"
	"github.com/nfsd-core/nfsd/internal/wire"
)

// MsgType distinguishes call from reply, RFC 5531 §9.
type MsgType uint32

const (
	MsgCall  MsgType = 0
	MsgReply MsgType = 1
)

// ReplyStat is the top-level reply status, RFC 5531 §9.
type ReplyStat uint32

const (
	ReplyAccepted ReplyStat = 0
	ReplyDenied   ReplyStat = 1
)

// AcceptStat is the accepted-reply status, per §4.9's mapping
// table.
type AcceptStat uint32

const (
	Success      AcceptStat = 0
	ProgUnavail  AcceptStat = 1
	ProgMismatch AcceptStat = 2
	ProcUnavail  AcceptStat = 3
	GarbageArgs  AcceptStat = 4
	SystemErr    AcceptStat = 5
)

// AuthStat is returned when a reply is denied for auth reasons.
type AuthStat uint32

const AuthError AuthStat = 1

const maxFragmentSize = 1 << 20

// CallHeader is the decoded RPC call header (§4.9's wire layout).
type CallHeader struct {
	XID        uint32
	RPCVers    uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	CredFlavor uint32
	CredBody   []byte
	VerfFlavor uint32
	VerfBody   []byte
}

// ReadCall decodes a call header and returns the header plus the
// remaining procedure-specific argument bytes.
func ReadCall(data []byte) (*CallHeader, []byte, error) {
	dec := wire.NewDecoder(data)

	xid, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	msgType, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	if MsgType(msgType) != MsgCall {
		return nil, nil, fmt.Errorf("%w: expected call, got msg_type %d", wire.BadEncoding, msgType)
	}
	rpcVers, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	program, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	version, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	procedure, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	credFlavor, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	credBody, err := dec.Opaque()
	if err != nil {
		return nil, nil, err
	}
	verfFlavor, err := dec.Uint32()
	if err != nil {
		return nil, nil, err
	}
	verfBody, err := dec.Opaque()
	if err != nil {
		return nil, nil, err
	}

	return &CallHeader{
		XID:        xid,
		RPCVers:    rpcVers,
		Program:    program,
		Version:    version,
		Procedure:  procedure,
		CredFlavor: credFlavor,
		CredBody:   credBody,
		VerfFlavor: verfFlavor,
		VerfBody:   verfBody,
	}, data[dec.Pos():], nil
}

// WriteAcceptedReply frames a successful or erroring accepted reply.
// body is the already-encoded procedure result; it is omitted unless
// stat == Success.
func WriteAcceptedReply(xid uint32, stat AcceptStat, verfFlavor uint32, verfBody []byte, body []byte) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(xid)
	enc.PutUint32(uint32(MsgReply))
	enc.PutUint32(uint32(ReplyAccepted))
	enc.PutUint32(verfFlavor)
	enc.PutOpaque(verfBody)
	enc.PutUint32(uint32(stat))
	if stat == Success {
		enc.PutRaw(body)
	}
	return enc.Bytes()
}

// WriteProgMismatchReply frames a PROG_MISMATCH accepted reply, which
// carries the supported version range instead of a procedure result.
func WriteProgMismatchReply(xid uint32, low, high uint32) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(xid)
	enc.PutUint32(uint32(MsgReply))
	enc.PutUint32(uint32(ReplyAccepted))
	enc.PutUint32(authgate.FlavorNone)
	enc.PutOpaque(nil)
	enc.PutUint32(uint32(ProgMismatch))
	enc.PutUint32(low)
	enc.PutUint32(high)
	return enc.Bytes()
}

// WriteDeniedReply frames a denied reply (auth failure).
func WriteDeniedReply(xid uint32, stat AuthStat) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(xid)
	enc.PutUint32(uint32(MsgReply))
	enc.PutUint32(uint32(ReplyDenied))
	enc.PutUint32(uint32(stat))
	return enc.Bytes()
}

// Handler dispatches one decoded call to procedure-specific logic. It
// returns the encoded procedure result body, or an error which the
// server maps per the §4.9 table (UnknownProgram/UnknownProcedure/
// GarbageArgs trigger the corresponding accept stat; any other error is
// SystemErr).
type Handler interface {
	Handle(ctx context.Context, call *CallHeader, auth authgate.VerifyResult, args []byte) ([]byte, error)
}

// Classifiable errors a Handler may return to select a specific accept
// stat instead of the SystemErr default.
var (
	ErrUnknownProgram   = fmt.Errorf("rpcserver: unknown program")
	ErrUnknownProcedure = fmt.Errorf("rpcserver: unknown procedure")
	ErrGarbageArgs      = fmt.Errorf("rpcserver: argument decode failure")
)

// Server accepts connections and drives the frame/auth/dispatch loop.
type Server struct {
	listener      net.Listener
	gate          *authgate.Gate
	handler       Handler
	maxConcurrent int
	idleTimeout   time.Duration
	releaseHolder func(connID string)
	shutdown      chan struct{}
	shutdownOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithIdleTimeout sets the per-connection idle read deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxConcurrentRequests bounds in-flight requests per connection.
func WithMaxConcurrentRequests(n int) Option {
	return func(s *Server) { s.maxConcurrent = n }
}

// WithReleaseHolder wires the lock manager's release_holder(connection_id)
// callback, invoked when a connection closes (§4.9).
func WithReleaseHolder(fn func(connID string)) Option {
	return func(s *Server) { s.releaseHolder = fn }
}

// New constructs a Server over listener using gate for auth and handler
// for dispatch.
func New(listener net.Listener, gate *authgate.Gate, handler Handler, opts ...Option) *Server {
	s := &Server{
		listener:      listener,
		gate:          gate,
		handler:       handler,
		maxConcurrent: 16,
		shutdown:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the accept loop until ctx is cancelled or Shutdown is
// called. Each accepted connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &connHandler{server: s, conn: conn, connID: conn.RemoteAddr().String()}
			c.serve(ctx)
		}()
	}
}

// Shutdown stops the accept loop and closes the listener.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		_ = s.listener.Close()
	})
}

type connHandler struct {
	server  *Server
	conn    net.Conn
	connID  string
	writeMu sync.Mutex
	wg      sync.WaitGroup
	sem     chan struct{}
}

func (c *connHandler) serve(ctx context.Context) {
	defer c.close()

	if c.sem == nil {
		n := c.server.maxConcurrent
		if n <= 0 {
			n = 16
		}
		c.sem = make(chan struct{}, n)
	}

	logger.Debug("connection accepted", "address", c.connID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.server.shutdown:
			return
		default:
		}

		if c.server.idleTimeout > 0 {
			_ = c.conn.SetDeadline(time.Now().Add(c.server.idleTimeout))
		}

		frame, err := c.readFrame()
		if err != nil {
			if err == io.EOF {
				logger.Debug("connection closed by client", "address", c.connID)
			} else {
				logger.Debug("frame read failed", "address", c.connID, "error", err)
			}
			return
		}

		c.sem <- struct{}{}
		c.wg.Add(1)
		go c.handleFrame(ctx, frame)
	}
}

// readFrame reads one record: a 4-byte big-endian length followed by
// that many bytes. No last-fragment bit, unlike the RFC 1057
// record-marking convention.
func (c *connHandler) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFragmentSize {
		return nil, fmt.Errorf("rpcserver: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("rpcserver: read frame body: %w", err)
	}
	return buf, nil
}

func (c *connHandler) handleFrame(ctx context.Context, frame []byte) {
	defer func() {
		<-c.sem
		c.wg.Done()
		if r := recover(); r != nil {
			logger.Error("panic handling request", "address", c.connID, "error", r, "stack", string(debug.Stack()))
		}
	}()

	call, args, err := ReadCall(frame)
	if err != nil {
		logger.Debug("garbage call header", "address", c.connID, "error", err)
		return
	}

	auth, err := c.server.gate.Verify(call.CredFlavor, call.CredBody, args)
	if err != nil {
		c.writeReply(call.XID, WriteDeniedReply(call.XID, AuthError))
		return
	}

	reply := c.dispatch(ctx, call, auth, args)
	c.writeReply(call.XID, reply)
}

func (c *connHandler) dispatch(ctx context.Context, call *CallHeader, auth authgate.VerifyResult, args []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in handler", "address", c.connID, "xid", call.XID, "error", r, "stack", string(debug.Stack()))
			reply = WriteAcceptedReply(call.XID, SystemErr, authgate.FlavorNone, nil, nil)
		}
	}()

	body, err := c.server.handler.Handle(ctx, call, auth, args)
	if err == nil {
		return WriteAcceptedReply(call.XID, Success, authgate.FlavorNone, nil, body)
	}

	switch err {
	case ErrUnknownProgram:
		return WriteAcceptedReply(call.XID, ProgUnavail, authgate.FlavorNone, nil, nil)
	case ErrUnknownProcedure:
		return WriteAcceptedReply(call.XID, ProcUnavail, authgate.FlavorNone, nil, nil)
	case ErrGarbageArgs:
		return WriteAcceptedReply(call.XID, GarbageArgs, authgate.FlavorNone, nil, nil)
	default:
		logger.Debug("handler error", "address", c.connID, "xid", call.XID, "error", err)
		return WriteAcceptedReply(call.XID, SystemErr, authgate.FlavorNone, nil, nil)
	}
}

func (c *connHandler) writeReply(xid uint32, reply []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(reply)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		logger.Debug("write reply header failed", "address", c.connID, "xid", xid, "error", err)
		return
	}
	if _, err := c.conn.Write(reply); err != nil {
		logger.Debug("write reply body failed", "address", c.connID, "xid", xid, "error", err)
	}
}

func (c *connHandler) close() {
	if r := recover(); r != nil {
		logger.Error("panic closing connection", "address", c.connID, "error", r, "stack", string(debug.Stack()))
	}
	c.wg.Wait()
	_ = c.conn.Close()
	if c.server.releaseHolder != nil {
		c.server.releaseHolder(c.connID)
	}
}
