// Package accesslog writes one line per answered message in a common log
// format variant: client, time, question, protocol, opcode, flags, rcode
// and size.
package accesslog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
)

// AccessLog type
type AccessLog struct {
	mu      sync.Mutex
	logFile *os.File
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New returns a new AccessLog
func New(cfg *config.Config) *AccessLog {
	a := new(AccessLog)

	if cfg.AccessLog != "" {
		f, err := os.OpenFile(cfg.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			zlog.Error("Access log file open failed", "path", cfg.AccessLog, "error", err.Error())
		}
		a.logFile = f
	}

	return a
}

// Name return middleware name
func (a *AccessLog) Name() string { return name }

// ServeDNS implements the Handle interface.
func (a *AccessLog) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	w := ch.Writer

	if a.logFile == nil || !w.Written() || w.Internal() {
		return
	}

	resp := w.Msg()
	if resp == nil || len(resp.Question) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.logFile.WriteString(Format(w.RemoteIP().String(), w.Proto(), resp, time.Now()) + "\n"); err != nil {
		zlog.Error("Access log write failed", "error", err.Error())
	}
}

// Close closes the log file.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logFile == nil {
		return nil
	}

	err := a.logFile.Close()
	a.logFile = nil
	return err
}

// Format renders the log line of resp.
func Format(client, proto string, resp *dns.Msg, now time.Time) string {
	flags := "-aa"
	if resp.Authoritative {
		flags = "+aa"
	}
	if resp.Truncated {
		flags += " +tc"
	}

	record := []string{
		client + " -",
		"[" + now.Format("02/Jan/2006:15:04:05 -0700") + "]",
		formatQuestion(resp.Question[0]),
		proto,
		strings.ToLower(dns.OpcodeToString[resp.Opcode]),
		flags,
		dns.RcodeToString[resp.Rcode],
		strconv.Itoa(resp.Len()),
	}

	return strings.Join(record, " ")
}

func formatQuestion(q dns.Question) string {
	return "\"" + strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype] + "\""
}

const name = "accesslog"
