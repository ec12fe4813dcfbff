package node

import (
	"io"
	"net/http"

	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router serves the relay endpoint at "/", the websocket carrier at "/ws" and
// a liveness check at "/healthz".
func (n *Node) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", n.ServeWS)
	r.Handle("/", n)
	return r
}

// ServeHTTP runs one relay transaction per request. GET and HEAD are
// liveness probes; any other method carries a base64 envelope as its body.
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in := Inbound{
		Transport:  observability.TransportHTTP,
		RemoteAddr: r.RemoteAddr,
		Probe:      r.Method == http.MethodGet || r.Method == http.MethodHead,
	}
	// Bodies are only read from admitted callers.
	if !in.Probe && n.AllowList().Allows(r.RemoteAddr) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(n.cfg.MaxEnvelopeBytes)+1))
		if err != nil {
			n.log.Warn("read relay body failed", "remote", r.RemoteAddr, "err", err)
			writeOutcome(w, reply(protocol.StatusDecryptFailed, []byte(ReasonReadFailed)))
			return
		}
		in.Body = body
	}
	writeOutcome(w, n.Handle(r.Context(), in))
}

func writeOutcome(w http.ResponseWriter, out Outcome) {
	h := w.Header()
	for k, v := range out.Header() {
		h.Set(k, v)
	}
	if len(out.Body) > 0 {
		h.Set("Content-Type", protocol.ContentTypeEnvelope)
	}
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(out.Status)
	if len(out.Body) > 0 {
		_, _ = w.Write(out.Body)
	}
}
