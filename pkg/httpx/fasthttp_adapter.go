package httpx

import (
	"context"
	"net/http"

	"github.com/valyala/fasthttp"
)

// FastHTTPAdapter adapts a HandlerFunc into a fasthttp.RequestHandler.
func FastHTTPAdapter(h HandlerFunc) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		hdr := make(http.Header)
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			hdr.Add(string(k), string(v))
		})
		req := &Request{
			Ctx:        context.Background(),
			Method:     string(ctx.Method()),
			Path:       string(ctx.Path()),
			Header:     hdr,
			RemoteAddr: ctx.RemoteAddr().String(),
		}
		h(&fastHTTPResponseWriter{ctx: ctx, header: make(http.Header)}, req)
	}
}

type fastHTTPResponseWriter struct {
	ctx    *fasthttp.RequestCtx
	header http.Header
	status int
}

func (r *fastHTTPResponseWriter) Header() http.Header { return r.header }

func (r *fastHTTPResponseWriter) WriteHeader(status int) {
	r.status = status
	for k, vs := range r.header {
		for _, v := range vs {
			r.ctx.Response.Header.Add(k, v)
		}
	}
	r.ctx.SetStatusCode(status)
}

func (r *fastHTTPResponseWriter) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	return r.ctx.Write(b)
}
