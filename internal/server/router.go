package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/lease"
	mng "github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/metrics"
	"github.com/loykin/procwarden/internal/process"
)

// DefaultLockHold is used by POST .../lock without a hold parameter.
const DefaultLockHold = 10 * time.Minute

var errNegativeHold = errors.New("hold must not be negative")

// Router provides embeddable HTTP handlers over the task base directory.
// Endpoints, relative to basePath:
//
//	GET    /tasks                 verdict for every task directory
//	POST   /tasks                 launch a task (body: launchRequest)
//	GET    /tasks/:id             verdict plus supervision state when managed here
//	GET    /tasks/:id/history     recorded events, newest first; query: limit=N
//	POST   /tasks/:id/stop        kill a managed task
//	POST   /tasks/:id/lock        query: hold=10m, name=<marker name>
//	POST   /tasks/:id/lock/reset  query: name=<marker name>
//	DELETE /tasks/:id/lock        query: name=<marker name>
//	POST   /sweep                 run one cleanup pass now
//	GET    /metrics               when enabled
//
// Lock endpoints work on directories this process did not launch; the marker
// name defaults to the task id.
type Router struct {
	mgr      *mng.Manager
	janitor  *cleanup.Janitor
	codec    *lease.Codec
	history  history.Reader
	basePath string
	metrics  bool
}

type Option func(*Router)

// WithManager enables launching and per-task supervision state.
func WithManager(m *mng.Manager) Option {
	return func(r *Router) {
		r.mgr = m
		if m != nil {
			r.codec = m.Codec()
		}
	}
}

// WithHistoryReader serves /tasks/:id/history from h.
func WithHistoryReader(h history.Reader) Option {
	return func(r *Router) { r.history = h }
}

func WithMetrics() Option {
	return func(r *Router) { r.metrics = true }
}

func NewRouter(j *cleanup.Janitor, basePath string, opts ...Option) *Router {
	r := &Router{janitor: j, basePath: routePrefix(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.codec == nil {
		r.codec = lease.NewCodec(nil)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/tasks", r.handleList)
	group.POST("/tasks", r.handleLaunch)
	group.GET("/tasks/:id", r.handleGet)
	group.GET("/tasks/:id/history", r.handleHistory)
	group.POST("/tasks/:id/stop", r.handleStop)
	group.POST("/tasks/:id/lock", r.handleLock)
	group.POST("/tasks/:id/lock/reset", r.handleResetLock)
	group.DELETE("/tasks/:id/lock", r.handleUnlock)
	group.POST("/sweep", r.handleSweep)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer wraps the router in an http.Server with the usual timeouts.
// The caller starts and shuts it down.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type launchRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	WorkDir      string   `json:"work_dir"`
	Env          []string `json:"env"`
	HoldFor      string   `json:"hold_for"`
	StdoutPrefix string   `json:"stdout_prefix"`
	StderrPrefix string   `json:"stderr_prefix"`
}

// taskView is a task directory as the selector sees it, plus the supervision
// state when this process launched it.
type taskView struct {
	cleanup.Verdict
	Task *mng.Info `json:"task,omitempty"`
}

type lockResp struct {
	ID          string     `json:"id"`
	Locked      bool       `json:"locked"`
	LockTimeout *time.Time `json:"lock_timeout,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	verdicts, err := r.janitor.Inspect()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]taskView, 0, len(verdicts))
	for _, v := range verdicts {
		out = append(out, r.view(v))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	dir, ok := r.taskDir(c)
	if !ok {
		return
	}
	v, err := r.janitor.Judge(dir)
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "task not found"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.view(v))
}

// handleHistory answers for ids whose directory is already gone; the
// reclaim event is usually the one being looked for.
func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no queryable history sink configured"})
		return
	}
	id := c.Param("id")
	if !validSegment(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid task id"})
		return
	}
	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := r.history.Events(c.Request.Context(), id, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) view(v cleanup.Verdict) taskView {
	tv := taskView{Verdict: v}
	if r.mgr != nil {
		if info, err := r.mgr.Get(v.ID); err == nil {
			tv.Task = &info
		}
	}
	return tv
}

func (r *Router) handleLaunch(c *gin.Context) {
	if r.mgr == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "launching is disabled"})
		return
	}
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !validSegment(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or leading dot"})
		return
	}
	if req.ID != "" && !validSegment(req.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or leading dot"})
		return
	}
	if !validWorkDir(req.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	hold, err := parseHold(req.HoldFor, 0)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid hold_for: " + err.Error()})
		return
	}
	info, err := r.mgr.Launch(c.Request.Context(), mng.LaunchSpec{
		ID: req.ID,
		Process: process.Spec{
			Name:    req.Name,
			Command: req.Command,
			Args:    req.Args,
			WorkDir: req.WorkDir,
			Env:     req.Env,
		},
		StdoutPrefix: req.StdoutPrefix,
		StderrPrefix: req.StderrPrefix,
		HoldFor:      hold,
	})
	switch {
	case errors.Is(err, mng.ErrTaskExists):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusCreated, info)
	}
}

func (r *Router) handleStop(c *gin.Context) {
	if r.mgr == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "task is not managed by this process"})
		return
	}
	id := c.Param("id")
	err := r.mgr.Stop(c.Request.Context(), id)
	if errors.Is(err, mng.ErrUnknownTask) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLock(c *gin.Context) {
	hold, err := parseHold(c.Query("hold"), DefaultLockHold)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid hold: " + err.Error()})
		return
	}
	r.withLease(c, func(id string, l *lease.Lease) error {
		if r.mgr != nil {
			if err := r.mgr.Lock(id, hold); !errors.Is(err, mng.ErrUnknownTask) {
				return err
			}
		}
		return l.Lock(hold)
	})
}

func (r *Router) handleResetLock(c *gin.Context) {
	r.withLease(c, func(id string, l *lease.Lease) error {
		if r.mgr != nil {
			if err := r.mgr.ResetLock(id); !errors.Is(err, mng.ErrUnknownTask) {
				return err
			}
		}
		return l.ResetLock()
	})
}

func (r *Router) handleUnlock(c *gin.Context) {
	r.withLease(c, func(id string, l *lease.Lease) error {
		if r.mgr != nil {
			if err := r.mgr.Unlock(id); !errors.Is(err, mng.ErrUnknownTask) {
				return err
			}
		}
		return l.Unlock()
	})
}

// withLease opens the lease of the task directory named by :id and applies fn.
// Managed tasks go through the manager so its history sinks see the change.
func (r *Router) withLease(c *gin.Context, fn func(id string, l *lease.Lease) error) {
	dir, ok := r.taskDir(c)
	if !ok {
		return
	}
	id := c.Param("id")
	name := c.DefaultQuery("name", id)
	if r.mgr != nil {
		if info, err := r.mgr.Get(id); err == nil && c.Query("name") == "" {
			name = info.Name
		}
	}
	if !validSegment(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	l, err := r.codec.Open(dir, name)
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "task not found"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := fn(id, l); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	// re-open to report what is on disk now
	if l, err = r.codec.Open(dir, name); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	resp := lockResp{ID: id, Locked: l.Locked()}
	if to, ok := l.LockTimeout(); ok {
		resp.LockTimeout = &to
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSweep(c *gin.Context) {
	res, err := r.janitor.Sweep(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) taskDir(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !validSegment(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid task id"})
		return "", false
	}
	return filepath.Join(r.janitor.BasePath(), id), true
}
