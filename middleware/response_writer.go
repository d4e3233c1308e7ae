package middleware

import (
	"errors"
	"net"

	"github.com/miekg/dns"
)

// ResponseWriter is the dns.ResponseWriter handlers see. It records the
// response and carries what the transport knows about the request.
type ResponseWriter interface {
	dns.ResponseWriter
	Msg() *dns.Msg
	Rcode() int
	Written() bool
	Reset(dns.ResponseWriter)
	Proto() string
	RemoteIP() net.IP
	Internal() bool
	// Wire returns the request as the client sent it, nil when the
	// transport did not keep it.
	Wire() []byte
	// WriteStream writes a response spanning several messages, a zone
	// transfer, one after another. It needs a stream transport.
	WriteStream(msgs []*dns.Msg) error
}

// Transports other than plain UDP and TCP name themselves through Proto.
// Writers holding the raw request expose it through Wire.
type (
	protoWriter interface{ Proto() string }
	wireWriter  interface{ Wire() []byte }
)

type responseWriter struct {
	dns.ResponseWriter
	msg      *dns.Msg
	size     int
	rcode    int
	proto    string
	remoteip net.IP
	internal bool
	wire     []byte
}

var _ ResponseWriter = &responseWriter{}
var (
	errAlreadyWritten = errors.New("msg already written")
	errNotStream      = errors.New("multiple messages need a stream transport")
)

func (w *responseWriter) Msg() *dns.Msg {
	return w.msg
}

func (w *responseWriter) Reset(rw dns.ResponseWriter) {
	w.ResponseWriter = rw
	w.size = -1
	w.msg = nil
	w.rcode = dns.RcodeSuccess
	w.proto, w.remoteip, w.wire = "", nil, nil

	raddr := rw.RemoteAddr()

	switch addr := raddr.(type) {
	case *net.TCPAddr:
		w.proto, w.remoteip = "tcp", addr.IP
	case *net.UDPAddr:
		w.proto, w.remoteip = "udp", addr.IP
	}

	if pw, ok := rw.(protoWriter); ok {
		w.proto = pw.Proto()
	}

	if ww, ok := rw.(wireWriter); ok {
		w.wire = ww.Wire()
	}

	w.internal = raddr != nil && raddr.String() == "127.0.0.255:0"
}

func (w *responseWriter) RemoteIP() net.IP {
	return w.remoteip
}

func (w *responseWriter) Proto() string {
	return w.proto
}

func (w *responseWriter) Wire() []byte {
	return w.wire
}

func (w *responseWriter) Rcode() int {
	return w.rcode
}

func (w *responseWriter) Written() bool {
	return w.size != -1
}

func (w *responseWriter) Write(m []byte) (int, error) {
	if w.Written() {
		return 0, errAlreadyWritten
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(m); err != nil {
		return 0, err
	}
	w.msg, w.rcode = msg, msg.Rcode

	n, err := w.ResponseWriter.Write(m)
	w.size = n
	return n, err
}

func (w *responseWriter) WriteMsg(m *dns.Msg) error {
	if w.Written() {
		return errAlreadyWritten
	}

	w.msg = m
	w.rcode = m.Rcode
	w.size = 0

	return w.ResponseWriter.WriteMsg(m)
}

func (w *responseWriter) WriteStream(msgs []*dns.Msg) error {
	if w.Written() {
		return errAlreadyWritten
	}

	if len(msgs) == 0 {
		return nil
	}

	if len(msgs) > 1 && w.proto == "udp" {
		return errNotStream
	}

	w.msg = msgs[0]
	w.rcode = msgs[0].Rcode
	w.size = 0

	for _, m := range msgs {
		if err := w.ResponseWriter.WriteMsg(m); err != nil {
			return err
		}
	}

	return nil
}

// Internal reports whether the message came from the server itself.
func (w *responseWriter) Internal() bool { return w.internal }
