package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/store"
)

// Router exposes the control service over HTTP.
// Endpoints:
//
//	GET  {basePath}/schedules              list
//	GET  {basePath}/schedules/:name        describe
//	POST {basePath}/schedules/:name/stop   query: wait=10s&delete=true&force=true
//	DELETE {basePath}/schedules/:name      query: force=true
//	GET  {basePath}/stats                  aggregate
//	GET  {basePath}/stats/:name            same as describe
//	POST {basePath}/stop-all               query: wait=10s&delete=true
//	POST {basePath}/reconcile
//	GET  {basePath}/metrics                prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      *control.Service
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter builds a router over svc. Its /metrics endpoint serves the
// control counters and a collector over svc's store.
func NewRouter(svc *control.Service, basePath string) (*Router, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(metrics.NewStoreCollector(svc.Store, svc.Alive)); err != nil {
		return nil, err
	}
	return &Router{svc: svc, basePath: cleanBasePath(basePath), gatherer: reg}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/schedules", r.handleList)
	group.GET("/schedules/:name", r.handleDescribe)
	group.POST("/schedules/:name/stop", r.handleStop)
	group.DELETE("/schedules/:name", r.handleDelete)
	group.GET("/stats", r.handleStats)
	group.GET("/stats/:name", r.handleDescribe)
	group.POST("/stop-all", r.handleStopAll)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	return g
}

// NewServer wraps the router in an http.Server listening on addr. The
// caller runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, svc *control.Service) (*http.Server, error) {
	r, err := NewRouter(svc, basePath)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop-all may wait on several processes
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type stopResp struct {
	Name   string       `json:"name"`
	PID    int          `json:"process_id"`
	State  string       `json:"state"`
	Status store.Status `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type stopAllResp struct {
	OK       bool       `json:"ok"`
	Outcomes []stopResp `json:"outcomes"`
	Error    string     `json:"error,omitempty"`
}

type deleteResp struct {
	Deleted bool `json:"deleted"`
}

type reconcileResp struct {
	Changed []string `json:"changed"`
}

func toStopResp(o control.StopOutcome) stopResp {
	return stopResp{Name: o.Name, PID: o.PID, State: string(o.State), Status: o.Status, Error: o.Error()}
}

func (r *Router) handleList(c *gin.Context) {
	rows, err := r.svc.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rows)
}

func (r *Router) handleDescribe(c *gin.Context) {
	name, ok := scheduleName(c)
	if !ok {
		return
	}
	d, err := r.svc.Describe(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, d)
}

func (r *Router) handleStats(c *gin.Context) {
	agg, err := r.svc.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, agg)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := scheduleName(c)
	if !ok {
		return
	}
	opts, ok := stopOptions(c)
	if !ok {
		return
	}
	out, err := r.svc.Stop(c.Request.Context(), name, opts)
	if err != nil {
		respond(c, statusFor(err), toStopResp(out))
		return
	}
	respond(c, http.StatusOK, toStopResp(out))
}

func (r *Router) handleStopAll(c *gin.Context) {
	opts, ok := stopOptions(c)
	if !ok {
		return
	}
	res := r.svc.StopAll(c.Request.Context(), opts)
	resp := stopAllResp{OK: res.OK(), Outcomes: make([]stopResp, 0, len(res.Outcomes))}
	for _, o := range res.Outcomes {
		resp.Outcomes = append(resp.Outcomes, toStopResp(o))
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	// partial failure is reported in the body, not the status line
	respond(c, http.StatusOK, resp)
}

func (r *Router) handleDelete(c *gin.Context) {
	name, ok := scheduleName(c)
	if !ok {
		return
	}
	deleted, err := r.svc.Delete(c.Request.Context(), name, queryBool(c, "force"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, deleteResp{Deleted: deleted})
}

func (r *Router) handleReconcile(c *gin.Context) {
	changed, err := r.svc.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	respond(c, http.StatusOK, reconcileResp{Changed: changed})
}
