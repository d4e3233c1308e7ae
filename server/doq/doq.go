// Package doq serves DNS over dedicated QUIC connections (RFC 9250).
package doq

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/semihalev/zlog/v2"
)

var doqProtos = []string{"doq", "doq-i02", "dq", "doq-i00", "doq-i01", "doq-i11"}

const (
	minMsgHeaderSize = 14 // fixed msg header size 12 + quic prefix size 2
	ProtocolError    = 0x2
	NoError          = 0x0
	maxMsgSize       = 65535 + 2
	tlsMinVersion    = tls.VersionTLS13
)

var errNoTLSConfig = errors.New("doq server needs a tls config")

// Server implements DNS-over-QUIC server
type Server struct {
	Addr      string
	Handler   dns.Handler
	TLSConfig *tls.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	ln *quic.Listener
}

// Message pool for better memory management
var msgPool = sync.Pool{
	New: func() any {
		return new(dns.Msg)
	},
}

func acquireMsg() *dns.Msg {
	return msgPool.Get().(*dns.Msg)
}

func releaseMsg(m *dns.Msg) {
	*m = dns.Msg{}
	msgPool.Put(m)
}

// Listen opens the QUIC listener on s.Addr.
func (s *Server) Listen() (*quic.Listener, error) {
	if s.TLSConfig == nil {
		return nil, errNoTLSConfig
	}

	tlsConfig := s.TLSConfig.Clone()
	tlsConfig.NextProtos = doqProtos
	tlsConfig.MinVersion = tlsMinVersion

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Second
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:         idle,
		MaxStreamReceiveWindow: maxMsgSize,
		KeepAlivePeriod:        idle / 2,
	}

	return quic.ListenAddr(s.Addr, tlsConfig, quicConfig)
}

// ListenAndServe listens on s.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln *quic.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}

		go s.handleConnection(conn)
	}
}

// Shutdown closes the listener.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	err := ln.Close()
	if err != nil && !errors.Is(err, quic.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handleConnection(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) {
				zlog.Debug("Failed to accept stream", "remote", conn.RemoteAddr().String(), "error", err.Error())
			}
			_ = conn.CloseWithError(NoError, "")
			return
		}

		go s.handleStream(conn, stream)
	}
}

func (s *Server) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer stream.Close()

	buf, err := io.ReadAll(io.LimitReader(stream, maxMsgSize))
	if err != nil {
		zlog.Debug("Failed to read stream", "error", err.Error())
		return
	}

	if len(buf) < minMsgHeaderSize {
		zlog.Debug("Message too small", "size", len(buf))
		_ = conn.CloseWithError(ProtocolError, "message too small")
		return
	}

	msgLen := binary.BigEndian.Uint16(buf[:2])
	if int(msgLen) != len(buf)-2 {
		zlog.Debug("Message length mismatch", "expected", msgLen, "actual", len(buf)-2)
		_ = conn.CloseWithError(ProtocolError, "length mismatch")
		return
	}

	req := acquireMsg()
	defer releaseMsg(req)

	if err := req.Unpack(buf[2:]); err != nil {
		zlog.Debug("Failed to unpack DNS message", "error", err.Error())
		_ = conn.CloseWithError(ProtocolError, "malformed message")
		return
	}

	// the message id is always zero on the wire
	if req.Id != 0 {
		_ = conn.CloseWithError(ProtocolError, "non-zero message id")
		return
	}
	req.Id = dns.Id()

	w := &ResponseWriter{Conn: conn, Stream: stream, wire: buf[2:]}
	s.Handler.ServeDNS(w, req)
}
