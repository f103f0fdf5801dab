// Package httpx lets lightweight endpoints (health probes) be written
// once and served by either net/http or fasthttp. The two probe binaries
// exist to compare transport overhead; the handler must be identical for
// the comparison to mean anything.
package httpx

import (
	"context"
	"net/http"
)

// Request is the unified request representation used by handlers.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	RemoteAddr string
}

// ResponseWriter is the subset of http.ResponseWriter semantics required
// from adapters.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the transport-neutral handler signature.
type HandlerFunc func(w ResponseWriter, r *Request)

// HealthHandler returns the liveness endpoint shared by the probe
// binaries: a fixed JSON body carrying the build version.
func HealthHandler(version string) HandlerFunc {
	body := []byte(`{"status":"ok","version":"` + version + `"}`)
	return func(w ResponseWriter, r *Request) {
		switch r.Path {
		case "/health", "/healthz":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}
