package server

import (
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

// wireKey names an UPDATE request in flight by client address and id.
type wireKey struct {
	addr string
	id   uint16
}

const headerSize = 12

// wireReader keeps the bytes of every UPDATE request it reads, so the SIG0
// signature is checked over what the client signed and not over a repack.
type wireReader struct {
	dns.Reader
	s *Server
}

func (s *Server) decorateReader(r dns.Reader) dns.Reader {
	return &wireReader{Reader: r, s: s}
}

func (r *wireReader) ReadTCP(conn net.Conn, timeout time.Duration) ([]byte, error) {
	m, err := r.Reader.ReadTCP(conn, timeout)
	if err == nil {
		r.s.keepWire(conn.RemoteAddr(), m)
	}

	return m, err
}

func (r *wireReader) ReadUDP(conn *net.UDPConn, timeout time.Duration) ([]byte, *dns.SessionUDP, error) {
	m, session, err := r.Reader.ReadUDP(conn, timeout)
	if err == nil {
		r.s.keepWire(session.RemoteAddr(), m)
	}

	return m, session, err
}

func (r *wireReader) ReadPacketConn(conn net.PacketConn, timeout time.Duration) ([]byte, net.Addr, error) {
	pr, ok := r.Reader.(dns.PacketConnReader)
	if !ok {
		return nil, nil, errors.New("reader does not support packet connections")
	}

	m, addr, err := pr.ReadPacketConn(conn, timeout)
	if err == nil {
		r.s.keepWire(addr, m)
	}

	return m, addr, err
}

func isUpdate(m []byte) bool {
	if len(m) < headerSize {
		return false
	}

	qr := m[2]&0x80 != 0
	opcode := int(m[2]>>3) & 0xF

	return !qr && opcode == dns.OpcodeUpdate
}

// keepWire stores a copy of m when it is an UPDATE request; udp buffers go
// back to a pool once the message is unpacked.
func (s *Server) keepWire(addr net.Addr, m []byte) {
	if addr == nil || !isUpdate(m) {
		return
	}

	key := wireKey{addr: addr.String(), id: uint16(m[0])<<8 | uint16(m[1])}
	s.wires.Add(key, append([]byte(nil), m...))
}

// wireWriter hands the request bytes to the middleware chain.
type wireWriter struct {
	dns.ResponseWriter
	wire []byte
}

func (w *wireWriter) Wire() []byte { return w.wire }

// withWire attaches the stored bytes of r to w. Writers that already hold
// the request, DoH and DoQ, are returned as they are.
func (s *Server) withWire(w dns.ResponseWriter, r *dns.Msg) dns.ResponseWriter {
	if _, ok := w.(interface{ Wire() []byte }); ok {
		return w
	}

	raddr := w.RemoteAddr()
	if raddr == nil {
		return w
	}

	key := wireKey{addr: raddr.String(), id: r.Id}

	wire, ok := s.wires.Get(key)
	if !ok {
		return w
	}
	s.wires.Remove(key)

	return &wireWriter{ResponseWriter: w, wire: wire}
}
