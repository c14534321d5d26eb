// Package server exposes the process manager over HTTP.
package server

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/stepq/internal/manager"
	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/step"
)

// Router provides embeddable HTTP handlers for the process queue.
// Endpoints, relative to basePath:
//
//	POST {basePath}/processes              enqueue, body EnqueueRequest
//	GET  {basePath}/processes              ready processes
//	GET  {basePath}/processes/:pid         record and step progress
//	GET  {basePath}/processes/:pid/status  state only
//	POST {basePath}/processes/:pid/proceed resume, body is extra data
type Router struct {
	mgr      *mng.Manager
	basePath string
}

func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// EnqueueRequest is the body of POST /processes. Timeout is in seconds.
type EnqueueRequest struct {
	Steps          step.List         `json:"steps"`
	Timeout        float64           `json:"timeout,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
	AdditionalArgs map[string]string `json:"additional_args,omitempty"`
}

type PIDResponse struct {
	PID string `json:"pid"`
}

type StatusResponse struct {
	PID   string      `json:"pid"`
	State queue.State `json:"state"`
}

type InfoResponse struct {
	Process  queue.Record      `json:"process"`
	Progress map[string]string `json:"progress"`
}

type ListResponse struct {
	Processes []queue.Record `json:"processes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/processes", r.handleEnqueue)
	group.GET("/processes", r.handleList)
	group.GET("/processes/:pid", r.handleInfo)
	group.GET("/processes/:pid/status", r.handleStatus)
	group.POST("/processes/:pid/proceed", r.handleProceed)
	return g
}

// NewServer starts a standalone server on addr using this router. A non-nil
// tlsConfig serves HTTPS.
func NewServer(addr, basePath string, mgr *mng.Manager, tlsConfig *tls.Config) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsConfig,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server.Addr = ln.Addr().String()
	if tlsConfig != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
	} else {
		go func() { _ = server.Serve(ln) }()
	}
	return server, nil
}

func (r *Router) handleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Steps) == 0 {
		writeError(c, http.StatusBadRequest, "steps required")
		return
	}
	if req.Timeout < 0 {
		writeError(c, http.StatusBadRequest, "timeout must be >= 0")
		return
	}
	for k := range req.AdditionalArgs {
		if !isSafeName(k) {
			writeError(c, http.StatusBadRequest, "invalid additional_args key: "+k)
			return
		}
	}
	pid, err := r.mgr.StartProcess(c.Request.Context(), queue.Process{
		Steps:          req.Steps,
		Timeout:        time.Duration(req.Timeout * float64(time.Second)),
		Data:           req.Data,
		AdditionalArgs: req.AdditionalArgs,
	})
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}
	writeJSON(c, http.StatusCreated, PIDResponse{PID: pid})
}

func (r *Router) handleList(c *gin.Context) {
	recs, err := r.mgr.GetEnqueuedProcesses(c.Request.Context())
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}
	if recs == nil {
		recs = []queue.Record{}
	}
	writeJSON(c, http.StatusOK, ListResponse{Processes: recs})
}

func (r *Router) pid(c *gin.Context) (string, bool) {
	pid := c.Param("pid")
	if !isSafeName(pid) {
		writeError(c, http.StatusBadRequest, "invalid pid")
		return "", false
	}
	return pid, true
}

func (r *Router) handleInfo(c *gin.Context) {
	pid, ok := r.pid(c)
	if !ok {
		return
	}
	rec, err := r.mgr.GetProcessInfo(c.Request.Context(), pid)
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}
	writeJSON(c, http.StatusOK, InfoResponse{Process: rec, Progress: rec.StepProgress()})
}

func (r *Router) handleStatus(c *gin.Context) {
	pid, ok := r.pid(c)
	if !ok {
		return
	}
	st, err := r.mgr.GetProcessStatus(c.Request.Context(), pid)
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}
	writeJSON(c, http.StatusOK, StatusResponse{PID: pid, State: st})
}

func (r *Router) handleProceed(c *gin.Context) {
	pid, ok := r.pid(c)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	var extra json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(c, http.StatusBadRequest, "invalid JSON body")
			return
		}
		extra = body
	}
	out, err := r.mgr.Proceed(c.Request.Context(), pid, extra)
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}
	writeJSON(c, http.StatusOK, PIDResponse{PID: out})
}
