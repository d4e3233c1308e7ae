package accesslist

import (
	"context"
	"net"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
)

// AccessList drops messages from clients outside the configured networks.
type AccessList struct {
	ranger cidranger.Ranger
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return accesslist
func New(cfg *config.Config) *AccessList {
	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}

	list := cfg.AccessList
	if len(list) == 0 {
		list = []string{"0.0.0.0/0", "::0/0"}
	}

	for _, cidr := range list {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return a
}

// Name return middleware name
func (a *AccessList) Name() string { return name }

// ServeDNS implements the Handle interface.
func (a *AccessList) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	if w.Internal() {
		ch.Next(ctx)
		return
	}

	allowed, _ := a.ranger.Contains(w.RemoteIP())
	if !allowed {
		zlog.Debug("Client not in access list", "client", w.RemoteIP())
		// no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

const name = "accesslist"
