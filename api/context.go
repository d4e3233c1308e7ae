package api

import (
	"encoding/json"
	"net/http"
)

type (
	// Context carries one API request through its handler.
	Context struct {
		Request *http.Request
		Writer  http.ResponseWriter
	}

	Handler func(ctx *Context)

	Json map[string]any
)

func (ctx *Context) JSON(code int, data any) {
	buf, err := json.Marshal(data)
	if err != nil {
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(code)

	_, _ = ctx.Writer.Write(buf)
}

// Param returns a path parameter of the route.
func (ctx *Context) Param(key string) string {
	return ctx.Request.PathValue(key)
}
