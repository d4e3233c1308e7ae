// Package api serves the HTTP management API: zone listing, zone reloads
// and the prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/authority"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
	authmw "github.com/semihalev/adns/middleware/authority"
	"github.com/semihalev/adns/zone"
)

// API type
type API struct {
	addr      string
	router    *Router
	authority *authmw.Authority

	ln net.Listener
}

var debugpprof bool

func init() {
	_, debugpprof = os.LookupEnv("ADNS_PPROF")
}

// ZoneInfo is one entry of the zone listing.
type ZoneInfo struct {
	Zone    string `json:"zone"`
	Class   string `json:"class"`
	Type    string `json:"type"`
	Serial  uint32 `json:"serial"`
	Records int    `json:"records"`
	Signed  bool   `json:"signed"`
	Error   string `json:"error,omitempty"`
}

// New return new api
func New(cfg *config.Config) *API {
	var am *authmw.Authority

	if h := middleware.Get("authority"); h != nil {
		am = h.(*authmw.Authority)
	}

	a := &API{
		addr:      cfg.API,
		authority: am,
		router:    NewRouter(),
	}

	a.routes()

	return a
}

func (a *API) routes() {
	if debugpprof {
		profiler := a.router.Group("/debug")
		{
			profiler.GET("/pprof/", func(ctx *Context) { pprof.Index(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/cmdline", func(ctx *Context) { pprof.Cmdline(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/profile", func(ctx *Context) { pprof.Profile(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/symbol", func(ctx *Context) { pprof.Symbol(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/trace", func(ctx *Context) { pprof.Trace(ctx.Writer, ctx.Request) })
		}
	}

	if a.authority != nil {
		zones := a.router.Group("/api/v1/zones")
		{
			zones.GET("", a.listZones)
			zones.GET("/:zone", a.getZone)
			zones.POST("/:zone/reload", a.reloadZone)
		}
	}

	a.router.GET("/metrics", a.metrics)
}

func (a *API) metrics(ctx *Context) {
	promhttp.Handler().ServeHTTP(ctx.Writer, ctx.Request)
}

func zoneInfo(z authority.Authority) ZoneInfo {
	info := ZoneInfo{
		Zone:  z.Origin(),
		Class: dns.ClassToString[z.Class()],
		Type:  z.Role().String(),
	}

	if s, ok := z.(interface{ Store() *zone.Store }); ok {
		snap := s.Store().Snapshot()
		info.Serial = snap.Serial()
		info.Records = len(snap.Records())
	}

	if p, ok := z.(*authority.Primary); ok {
		info.Signed = p.Signer() != nil
		if err := p.Failed(); err != nil {
			info.Error = err.Error()
		}
	}

	return info
}

func (a *API) listZones(ctx *Context) {
	zones := a.authority.Catalog().Zones()

	list := make([]ZoneInfo, 0, len(zones))
	for _, z := range zones {
		list = append(list, zoneInfo(z))
	}

	ctx.JSON(http.StatusOK, Json{"zones": list})
}

func (a *API) lookup(ctx *Context) authority.Authority {
	name := dns.Fqdn(ctx.Param("zone"))

	z := a.authority.Catalog().Get(name, dns.ClassINET)
	if z == nil {
		ctx.JSON(http.StatusNotFound, Json{"error": name + " not found"})
	}

	return z
}

func (a *API) getZone(ctx *Context) {
	if z := a.lookup(ctx); z != nil {
		ctx.JSON(http.StatusOK, zoneInfo(z))
	}
}

func (a *API) reloadZone(ctx *Context) {
	z := a.lookup(ctx)
	if z == nil {
		return
	}

	r, ok := z.(authority.Reloader)
	if !ok {
		ctx.JSON(http.StatusBadRequest, Json{"error": z.Role().String() + " zones cannot be reloaded"})
		return
	}

	if err := r.Reload(ctx.Request.Context()); err != nil {
		zlog.Error("Zone reload failed", "zone", z.Origin(), "error", err.Error())
		ctx.JSON(http.StatusInternalServerError, Json{"error": err.Error()})
		return
	}

	zlog.Info("Zone reloaded", "zone", z.Origin(), "trigger", "api")

	ctx.JSON(http.StatusOK, zoneInfo(z))
}

// Addr returns the bound address once Run has started listening.
func (a *API) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Run API server
func (a *API) Run(ctx context.Context) error {
	if a.addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("Start API server failed", "error", err.Error())
		}
	}()

	zlog.Info("API server listening...", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()

		zlog.Info("API server stopping...", "addr", a.addr)

		apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(apiCtx); err != nil {
			zlog.Error("Shutdown API server failed", "error", err.Error())
		}
	}()

	return nil
}
