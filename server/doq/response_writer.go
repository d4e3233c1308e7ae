package doq

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// ResponseWriter writes the answer of one stream.
type ResponseWriter struct {
	dns.ResponseWriter

	Conn   *quic.Conn
	Stream *quic.Stream

	// wire is the request as read from the stream, message id zero.
	wire []byte
}

func (w *ResponseWriter) Proto() string { return "doq" }

// Wire returns the request bytes as the client sent them.
func (w *ResponseWriter) Wire() []byte { return w.wire }

func (w *ResponseWriter) LocalAddr() net.Addr {
	return w.Conn.LocalAddr()
}

func (w *ResponseWriter) RemoteAddr() net.Addr {
	return w.Conn.RemoteAddr()
}

func (w *ResponseWriter) Close() error {
	return w.Stream.Close()
}

func (w *ResponseWriter) Write(m []byte) (int, error) {
	return w.Stream.Write(addPrefixLen(m))
}

func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	m.Id = 0

	packed, err := m.Pack()
	if err != nil {
		_ = w.Conn.CloseWithError(0x1, err.Error())
		return err
	}

	_, err = w.Stream.Write(addPrefixLen(packed))
	return err
}

func addPrefixLen(msg []byte) (buf []byte) {
	buf = make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)

	return buf
}
