// Package server runs the DNS listeners: UDP, TCP, DNS over TLS, DNS over
// HTTPS and DNS over QUIC. Every listener feeds the same middleware chain.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	l "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
	"github.com/semihalev/adns/mock"
	"github.com/semihalev/adns/server/doh"
	"github.com/semihalev/adns/server/doq"
)

const shutdownTimeout = 5 * time.Second

const (
	wireCacheSize = 1024
	wireCacheTTL  = 30 * time.Second
)

// Server type
type Server struct {
	addr           string
	tlsAddr        string
	dohAddr        string
	doqAddr        string
	tlsCertificate string
	tlsPrivateKey  string

	chainPool sync.Pool

	// wires holds the raw bytes of UPDATE requests read by the udp and tcp
	// listeners until the handler picks them up.
	wires *expirable.LRU[wireKey, []byte]

	certManager *CertManager

	mu      sync.Mutex
	addrs   map[string]string
	closers []func(context.Context) error

	udpStarted bool
	tcpStarted bool
	tlsStarted bool
	dohStarted bool
	doqStarted bool

	running sync.WaitGroup
	stopped atomic.Bool
}

// New return new server
func New(cfg *config.Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	server := &Server{
		addr:           cfg.Bind,
		tlsAddr:        cfg.BindTLS,
		dohAddr:        cfg.BindDOH,
		doqAddr:        cfg.BindDOQ,
		tlsCertificate: cfg.TLSCertificate,
		tlsPrivateKey:  cfg.TLSPrivateKey,
		addrs:          make(map[string]string),
		wires:          expirable.NewLRU[wireKey, []byte](wireCacheSize, nil, wireCacheTTL),
	}

	server.chainPool.New = func() any {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the Handle interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode == dns.OpcodeUpdate {
		w = s.withWire(w, r)
	}

	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(context.Background())

	s.chainPool.Put(ch)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg, wire []byte) *dns.Msg {
		mw := mock.NewWriter("doh", r.RemoteAddr)
		mw.SetWire(wire)
		s.ServeDNS(mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	doh.Handle(handle)(w, r)
}

// acceptMsg is dns.DefaultMsgAcceptFunc extended with the UPDATE opcode,
// whose prerequisite and update sections may hold any number of records.
func acceptMsg(dh dns.Header) dns.MsgAcceptAction {
	const qr = 1 << 15

	if dh.Bits&qr != 0 {
		return dns.MsgIgnore
	}

	if opcode := int(dh.Bits>>11) & 0xF; opcode == dns.OpcodeUpdate {
		if dh.Qdcount != 1 {
			return dns.MsgReject
		}
		return dns.MsgAccept
	}

	return dns.DefaultMsgAcceptFunc(dh)
}

// Run starts every configured listener and returns. The listeners are shut
// down when ctx is done. A listener that cannot start is logged and skipped.
func (s *Server) Run(ctx context.Context) {
	s.listenDNS("udp")
	s.listenDNS("tcp")

	if s.tlsAddr != "" || s.dohAddr != "" || s.doqAddr != "" {
		cm, err := NewCertManager(s.tlsCertificate, s.tlsPrivateKey)
		if err != nil {
			zlog.Error("TLS listeners disabled", "cert", s.tlsCertificate, "error", err.Error())
		} else {
			s.certManager = cm

			s.listenDNSTLS(cm.GetTLSConfig())
			s.listenHTTPTLS(cm.GetTLSConfig("h2", "http/1.1"))
			s.listenDNSQUIC(cm.GetTLSConfig())
		}
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
}

// Addr returns the bound address of a started listener: udp, tcp, tcp-tls,
// https or doq.
func (s *Server) Addr(network string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addrs[network]
}

func (s *Server) started(network, addr string, closer func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addrs[network] = addr
	s.closers = append(s.closers, closer)

	switch network {
	case "udp":
		s.udpStarted = true
	case "tcp":
		s.tcpStarted = true
	case "tcp-tls":
		s.tlsStarted = true
	case "https":
		s.dohStarted = true
	case "doq":
		s.doqStarted = true
	}

	zlog.Info("DNS server listening...", "net", network, "addr", addr)
}

// serve runs fn in the background and tracks it for Stopped.
func (s *Server) serve(network, addr string, fn func() error) {
	s.running.Add(1)

	go func() {
		defer s.running.Done()

		if err := fn(); err != nil {
			zlog.Error("DNS listener failed", "net", network, "addr", addr, "error", err.Error())
		}
	}()
}

func (s *Server) dnsServer(network string) *dns.Server {
	return &dns.Server{
		Net:            network,
		Handler:        s,
		MaxTCPQueries:  2048,
		MsgAcceptFunc:  acceptMsg,
		DecorateReader: s.decorateReader,
	}
}

// listenDNS binds the plain listener of network, udp or tcp.
func (s *Server) listenDNS(network string) {
	srv := s.dnsServer(network)

	var addr string

	if network == "udp" {
		pc, err := net.ListenPacket(network, s.addr)
		if err != nil {
			zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
			return
		}
		srv.PacketConn, addr = pc, pc.LocalAddr().String()
	} else {
		ln, err := net.Listen(network, s.addr)
		if err != nil {
			zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
			return
		}
		srv.Listener, addr = ln, ln.Addr().String()
	}

	s.activate(network, addr, srv)
}

// activate serves srv and waits until it is accepting, so a shutdown never
// races its start.
func (s *Server) activate(network, addr string, srv *dns.Server) {
	ready := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(ready) }

	errc := make(chan error, 1)
	s.serve(network, addr, func() error {
		err := srv.ActivateAndServe()
		errc <- err
		return err
	})

	select {
	case <-ready:
		s.started(network, addr, srv.ShutdownContext)
	case <-errc:
	}
}

// listenDNSTLS binds the DNS over TLS listener.
func (s *Server) listenDNSTLS(tlsConfig *tls.Config) {
	if s.tlsAddr == "" {
		return
	}

	ln, err := tls.Listen("tcp", s.tlsAddr, tlsConfig)
	if err != nil {
		zlog.Error("DNS listener failed", "net", "tcp-tls", "addr", s.tlsAddr, "error", err.Error())
		return
	}

	srv := s.dnsServer("tcp-tls")
	srv.Listener = ln
	srv.TLSConfig = tlsConfig

	s.activate("tcp-tls", ln.Addr().String(), srv)
}

// listenHTTPTLS binds the DNS over HTTPS listener.
func (s *Server) listenHTTPTLS(tlsConfig *tls.Config) {
	if s.dohAddr == "" {
		return
	}

	ln, err := net.Listen("tcp", s.dohAddr)
	if err != nil {
		zlog.Error("DNS listener failed", "net", "https", "addr", s.dohAddr, "error", err.Error())
		return
	}

	logReader, logWriter := io.Pipe()
	go readlogs(logReader)

	srv := &http.Server{
		Handler:      s,
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     l.New(logWriter, "", 0),
	}

	addr := ln.Addr().String()
	s.started("https", addr, func(ctx context.Context) error {
		defer logWriter.Close()
		return srv.Shutdown(ctx)
	})
	s.serve("https", addr, func() error {
		if err := srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// listenDNSQUIC binds the DNS over QUIC listener.
func (s *Server) listenDNSQUIC(tlsConfig *tls.Config) {
	if s.doqAddr == "" {
		return
	}

	srv := &doq.Server{
		Addr:      s.doqAddr,
		Handler:   s,
		TLSConfig: tlsConfig,
	}

	ln, err := srv.Listen()
	if err != nil {
		zlog.Error("DNS listener failed", "net", "doq", "addr", s.doqAddr, "error", err.Error())
		return
	}

	addr := ln.Addr().String()
	s.started("doq", addr, func(context.Context) error { return ln.Close() })
	s.serve("doq", addr, func() error { return srv.Serve(ln) })
}

func (s *Server) shutdown() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, closer := range closers {
		if err := closer(ctx); err != nil {
			zlog.Warn("Listener shutdown failed", "error", err.Error())
		}
	}

	s.running.Wait()
	s.stopped.Store(true)

	zlog.Info("DNS listeners stopped")
}

// Stopped reports whether every listener has returned after shutdown.
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}

// Stop releases the certificate watcher.
func (s *Server) Stop() {
	if s.certManager != nil {
		s.certManager.Stop()
	}
}

func readlogs(rd io.Reader) {
	buf := bufio.NewReader(rd)
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			return
		}

		parts := strings.SplitN(string(line[:len(line)-1]), " ", 2)
		if len(parts) > 1 {
			zlog.Warn("Client http socket failed", "net", "https", "error", parts[1])
		}
	}
}
