package main

import (
	"net/http"
	"sync"

	"github.com/floegence/e2erelay/node"
	"github.com/floegence/e2erelay/observability"
	"github.com/floegence/e2erelay/observability/prom"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController toggles the Prometheus exporter at runtime. Each Enable
// starts from a fresh registry.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicNodeObserver
	node     *node.Node
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicNodeObserver, n *node.Node) *metricsController {
	return &metricsController{
		handler:  handler,
		observer: observer,
		node:     n,
	}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	nodeObs := prom.NewNodeObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(nodeObs)
	stats := c.node.Stats()
	nodeObs.Sessions(observability.TransportWS, stats.WSSessions)
	nodeObs.Sessions(observability.TransportMux, stats.MuxSessions)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopNodeObserver)
	c.enabled = false
}
