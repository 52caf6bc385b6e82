// Package server implements the secbot HTTP API: it fronts the code runner
// with the decision policy and exposes the enforcement ledger to operators.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hanogt/secbot/pkg/crypto"
	"github.com/hanogt/secbot/pkg/datastore"
	"github.com/hanogt/secbot/pkg/enforcement"
	"github.com/hanogt/secbot/pkg/guard"
	"github.com/hanogt/secbot/pkg/model"
	"github.com/hanogt/secbot/pkg/rbac"
	"github.com/hanogt/secbot/pkg/runner"
	"github.com/hanogt/secbot/pkg/scanner"
)

// MaxRequestBytes bounds request bodies on the API.
const MaxRequestBytes = 1 << 20

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store   datastore.DataStore
	Runner  guard.Runner     // defaults to a runner.Client built from Config
	Scanner *scanner.Scanner // defaults to scanner.Default()
}

// Server is the secbot API server.
type Server struct {
	cfg     Config
	metrics *Metrics
	store   datastore.DataStore
	ledger  *enforcement.Ledger
	guard   *guard.Guard
	httpSrv *http.Server
	ctx     context.Context
	cancel  context.CancelFunc
}

// ErrMissingStore is returned by New when no datastore is supplied.
var ErrMissingStore = errors.New("server: missing store dependency")

// New creates a new Server instance. The ledger-backed routes need a store,
// so a nil Dependencies.Store is rejected.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, ErrMissingStore
	}
	gin.SetMode(gin.ReleaseMode)
	ctx, cancel := context.WithCancel(context.Background())

	r := deps.Runner
	if r == nil {
		r = runner.NewClient(cfg.RunnerURL, cfg.RunnerTimeout)
	}
	sc := deps.Scanner
	if sc == nil {
		sc = scanner.Default()
	}

	metrics := NewMetrics()
	ledger := enforcement.NewLedger(deps.Store, cfg.StoreTimeout)
	metrics.logFailures = ledger.LogFailures

	return &Server{
		cfg:     cfg,
		metrics: metrics,
		store:   deps.Store,
		ledger:  ledger,
		guard:   guard.New(ledger, sc, r, cfg.Policy(), metrics),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Ledger returns the enforcement ledger.
func (s *Server) Ledger() *enforcement.Ledger {
	return s.ledger
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), limitBody(MaxRequestBytes))

	api := r.Group("/api")
	api.POST("/run", s.require(rbac.PermRunCode), s.handleRun)
	api.POST("/scan", s.require(rbac.PermScan), s.handleScan)
	api.GET("/bans/:identity", s.require(rbac.PermViewBans), s.handleBanStatus)
	api.GET("/events", s.require(rbac.PermViewEvents), s.handleEvents)

	r.GET("/healthz", gin.WrapF(handleHealthz))
	return r
}

// roleOf derives the caller's role from its bearer token. Without a
// configured operator token every caller is an operator.
func (s *Server) roleOf(c *gin.Context) rbac.Role {
	if s.cfg.OperatorTokenHash == "" {
		return rbac.RoleOperator
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if ok && crypto.TokenMatches(s.cfg.OperatorTokenHash, strings.TrimSpace(token)) {
		return rbac.RoleOperator
	}
	return rbac.RoleSubmitter
}

func (s *Server) require(perm rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if msg := rbac.RequirePermission(s.roleOf(c), perm); msg != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: msg})
			return
		}
		c.Next()
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

type runResponse struct {
	Outcome  guard.Outcome `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Output   string        `json:"output,omitempty"`
	ExitCode int           `json:"exit_code"`
	Language string        `json:"language,omitempty"`
	Version  string        `json:"version,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRun(c *gin.Context) {
	s.metrics.RunRequests.Add(1)

	var sub guard.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		badRequest(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := model.ValidateIdentity(sub.Identity); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !runner.Supported(sub.Language) {
		badRequest(c, fmt.Sprintf("unsupported language %q", sub.Language))
		return
	}

	res, err := s.guard.Run(c.Request.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrInvalidSubmission), errors.Is(err, runner.ErrUnsupportedLanguage):
			badRequest(c, err.Error())
		default:
			slog.Error("execution failed", "identity", sub.Identity, "language", sub.Language, "err", err)
			c.JSON(http.StatusBadGateway, errorResponse{Error: "code execution failed"})
		}
		return
	}

	resp := runResponse{Outcome: res.Outcome, Message: res.Message}
	status := http.StatusOK
	switch res.Outcome {
	case guard.OutcomeExecuted:
		if ex := res.Execution; ex != nil {
			resp.Stdout = ex.Stdout
			resp.Stderr = ex.Stderr
			resp.Output = ex.Output
			resp.ExitCode = ex.ExitCode
			resp.Language = ex.Language
			resp.Version = ex.Version
		}
	case guard.OutcomeBlocked, guard.OutcomeBanned:
		status = http.StatusForbidden
	case guard.OutcomeUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

type scanRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	s.metrics.Scans.Add(1)
	c.JSON(http.StatusOK, s.guard.Scan(req.Source))
}

func (s *Server) handleBanStatus(c *gin.Context) {
	identity := c.Param("identity")
	if err := model.ValidateIdentity(identity); err != nil {
		badRequest(c, err.Error())
		return
	}
	check, err := s.ledger.IsBanned(c.Request.Context(), identity)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, check)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (s *Server) handleEvents(c *gin.Context) {
	var filters model.EventFilters
	if id := c.Query("identity"); id != "" {
		filters.Identity = &id
	}
	if kind := model.EventKind(c.Query("kind")); kind != "" {
		if !kind.Valid() {
			badRequest(c, fmt.Sprintf("invalid event kind %q", kind))
			return
		}
		filters.Kind = &kind
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit <= 0 {
			badRequest(c, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		filters.PageSize = &limit
	}

	events, err := s.ledger.Events(c.Request.Context(), filters)
	if err != nil {
		slog.Error("list events failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event log unavailable"})
		return
	}
	if events == nil {
		events = []model.SecurityEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}
