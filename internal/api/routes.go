package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"govwatch/internal/cache"
	"govwatch/internal/domain"
	"govwatch/internal/storage"
	"govwatch/internal/task/scheduler"
)

type Scheduler interface {
	Trigger(ctx context.Context, reason string) (string, error)
	Snapshot() scheduler.Snapshot
}

type Providers interface {
	Sources() []domain.DataSource
}

type Notifications interface {
	Enabled() bool
	Channels() []string
	Pending() int
	Jobs(status domain.JobStatus) []domain.NotificationJob
	Job(id string) (domain.NotificationJob, bool)
}

type Snapshots interface {
	Lookup(protocol string, class domain.MetricClass) (cache.Entry, bool)
	Entries() []cache.Entry
}

// Deps are the components the API reads. Any of them may be nil; the matching
// routes then answer 503.
type Deps struct {
	Scheduler     Scheduler
	Providers     Providers
	Notifications Notifications
	Snapshots     Snapshots
	Store         storage.Store
	Version       string
	StartedAt     time.Time
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.middleware()...)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", requireToken(s.cfg.Token))
	{
		v1.GET("/status", s.status)
		v1.POST("/cycles", s.triggerCycle)
		v1.GET("/cycles", s.cycles)
		v1.GET("/notifications", s.notifications)
		v1.GET("/notifications/:id", s.notification)
		v1.GET("/changes", s.changes)
		v1.GET("/dead-letters", s.deadLetters)
		v1.GET("/snapshots", s.snapshots)
		v1.GET("/snapshots/:protocol/:class", s.snapshot)
	}

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof", requireToken(s.cfg.Token))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(pprof.Handler(name)))
		}
	}
	return r
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"version": s.deps.Version}
	if !s.deps.StartedAt.IsZero() {
		out["startedAt"] = s.deps.StartedAt
		out["uptime"] = time.Since(s.deps.StartedAt).Round(time.Second).String()
	}
	if s.deps.Scheduler != nil {
		out["scheduler"] = s.deps.Scheduler.Snapshot()
	}
	if s.deps.Providers != nil {
		out["providers"] = s.deps.Providers.Sources()
	}
	if n := s.deps.Notifications; n != nil {
		out["notifier"] = gin.H{
			"enabled":  n.Enabled(),
			"channels": n.Channels(),
			"pending":  n.Pending(),
		}
	}
	c.JSON(http.StatusOK, out)
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) triggerCycle(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler")
		return
	}
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api"
	}
	id, err := s.deps.Scheduler.Trigger(c.Request.Context(), reason)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrStopped) || errors.Is(err, scheduler.ErrNotStarted) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cycleId": id})
}

func (s *Server) cycles(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "storage")
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	recs, err := s.deps.Store.RecentCycles(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": recs})
}

func (s *Server) notifications(c *gin.Context) {
	if s.deps.Notifications == nil {
		unavailable(c, "notifier")
		return
	}
	var status domain.JobStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, ok := parseJobStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(raw)})
			return
		}
		status = st
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Notifications.Jobs(status)})
}

func parseJobStatus(raw string) (domain.JobStatus, bool) {
	for _, st := range []domain.JobStatus{domain.JobPending, domain.JobSent, domain.JobFailed, domain.JobDeadLettered} {
		if strings.EqualFold(raw, string(st)) || strings.EqualFold(strings.ReplaceAll(raw, "_", ""), string(st)) {
			return st, true
		}
	}
	return "", false
}

func (s *Server) notification(c *gin.Context) {
	if s.deps.Notifications == nil {
		unavailable(c, "notifier")
		return
	}
	j, ok := s.deps.Notifications.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) changes(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "storage")
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	recs, err := s.deps.Store.RecentChanges(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": recs})
}

func (s *Server) deadLetters(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "storage")
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	jobs, err := s.deps.Store.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) snapshots(c *gin.Context) {
	if s.deps.Snapshots == nil {
		unavailable(c, "cache")
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": s.deps.Snapshots.Entries()})
}

func (s *Server) snapshot(c *gin.Context) {
	if s.deps.Snapshots == nil {
		unavailable(c, "cache")
		return
	}
	class := domain.MetricClass(strings.ToLower(c.Param("class")))
	if !class.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metric class " + strconv.Quote(string(class))})
		return
	}
	e, ok := s.deps.Snapshots.Lookup(c.Param("protocol"), class)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for " + domain.UnitKey(c.Param("protocol"), class)})
		return
	}
	c.JSON(http.StatusOK, e)
}
