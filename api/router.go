package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/semihalev/zlog/v2"
)

// Router dispatches API requests by method and path. Paths use :name for
// a parameter and a trailing * for the rest of the path.
type Router struct {
	mux *http.ServeMux

	ctxPool sync.Pool
}

// Group prefixes the paths of the routes added through it.
type Group struct {
	parent *Router
	path   string
}

var extraHeaders = map[string]string{
	"Server":                       "adns",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET,POST",
	"Cache-Control":                "no-cache, no-store, no-transform, must-revalidate, private, max-age=0",
	"Pragma":                       "no-cache",
}

func NewRouter() *Router {
	r := &Router{mux: http.NewServeMux()}

	r.ctxPool.New = func() any {
		return new(Context)
	}

	return r
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			zlog.Error("Recovered in API", "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	for k, v := range extraHeaders {
		w.Header().Set(k, v)
	}

	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) Handle(method, path string, handle Handler) {
	rt.mux.HandleFunc(method+" "+pattern(path), func(w http.ResponseWriter, r *http.Request) {
		ctx := rt.getContext(w, r)
		handle(ctx)
		rt.putContext(ctx)
	})
}

func (rt *Router) GET(path string, handle Handler) {
	rt.Handle(http.MethodGet, path, handle)
}

func (rt *Router) POST(path string, handle Handler) {
	rt.Handle(http.MethodPost, path, handle)
}

func (rt *Router) Group(rp string) *Group {
	return &Group{parent: rt, path: rp}
}

func (g *Group) GET(path string, handle Handler) {
	g.parent.GET(g.path+path, handle)
}

func (g *Group) POST(path string, handle Handler) {
	g.parent.POST(g.path+path, handle)
}

// pattern converts a route path to a ServeMux pattern.
func pattern(path string) string {
	segments := strings.Split(path, "/")

	for i, s := range segments {
		switch {
		case strings.HasPrefix(s, ":"):
			segments[i] = "{" + s[1:] + "}"
		case s == "*" && i == len(segments)-1:
			segments[i] = "{path...}"
		}
	}

	return strings.Join(segments, "/")
}

func (rt *Router) getContext(w http.ResponseWriter, r *http.Request) *Context {
	ctx := rt.ctxPool.Get().(*Context)

	ctx.Request = r
	ctx.Writer = w

	return ctx
}

func (rt *Router) putContext(ctx *Context) {
	ctx.Request, ctx.Writer = nil, nil
	rt.ctxPool.Put(ctx)
}
