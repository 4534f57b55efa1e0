package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/coordinator"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/session"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// Server exposes the engine, the process machine and the coordinator
// over HTTP.
type Server struct {
	engine      *session.Engine
	machine     *process.Machine
	coordinator *coordinator.Coordinator
	registry    *discovery.Registry
	audit       store.AuditStore
	auth        *AdminAuth
	limiter     *IPRateLimiter
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCoordinator enables POST /v1/processes/{id}/run.
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(s *Server) { s.coordinator = c }
}

// WithRegistry enables agent registration and discovery routes.
func WithRegistry(r *discovery.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithAdminAuth sets the admin token validator. Without one every admin
// route answers 401.
func WithAdminAuth(a *AdminAuth) Option {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter puts a per-IP limiter in front of every route.
func WithRateLimiter(l *IPRateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds a Server. audit may be nil, which disables GET /v1/audit.
func NewServer(engine *session.Engine, machine *process.Machine, audit store.AuditStore, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		machine: machine,
		audit:   audit,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }
	payer := func(h http.HandlerFunc) http.Handler { return s.auth.RequireScope(ReleaseScope, AdminScope)(h) }

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /v1/sessions", admin(s.handleOpenSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.Handle("POST /v1/sessions/{id}/deposit", admin(s.handleDeposit))
	mux.Handle("POST /v1/sessions/{id}/close", admin(s.handleCloseSession))
	mux.Handle("POST /v1/sessions/{id}/agents", admin(s.handleAuthorizeAgent))
	mux.Handle("DELETE /v1/sessions/{id}/agents/{agent}", admin(s.handleRevokeAgent))
	mux.HandleFunc("POST /v1/sessions/{id}/can-execute", s.handleCanExecute)
	mux.Handle("POST /v1/sessions/{id}/releases", payer(s.handleRelease))
	mux.HandleFunc("GET /v1/sessions/{id}/releases", s.handleListReleases)
	mux.HandleFunc("GET /v1/releases/{id...}", s.handleGetRelease)
	mux.Handle("POST /v1/reconcile/{id...}", payer(s.handleReconcile))

	mux.HandleFunc("GET /v1/graph", s.handleGraph)
	mux.HandleFunc("POST /v1/processes", s.handleCreateProcess)
	mux.HandleFunc("GET /v1/processes/{id}", s.handleGetProcess)
	mux.Handle("POST /v1/processes/{id}/transitions", payer(s.handleTransition))
	mux.HandleFunc("GET /v1/processes/{id}/transitions", s.handleHistory)
	mux.HandleFunc("GET /v1/processes/{id}/fee", s.handleFee)
	mux.Handle("POST /v1/processes/{id}/run", payer(s.handleRun))

	mux.HandleFunc("GET /v1/agents", s.handleDiscover)
	mux.Handle("PUT /v1/admin/agents", admin(s.handleRegisterAgent))
	mux.Handle("DELETE /v1/admin/agents/{address}", admin(s.handleUnregisterAgent))

	mux.Handle("GET /v1/audit", admin(s.handleAudit))
	mux.Handle("POST /v1/admin/pause", admin(s.handlePause))
	mux.Handle("POST /v1/admin/unpause", admin(s.handleUnpause))
	mux.Handle("GET /v1/admin/blacklist", admin(s.handleListBlacklist))
	mux.Handle("PUT /v1/admin/blacklist/{agent}", admin(s.handleBlacklist))
	mux.Handle("DELETE /v1/admin/blacklist/{agent}", admin(s.handleUnblacklist))
	mux.Handle("PUT /v1/admin/limits", admin(s.handleLimits))
	mux.Handle("PUT /v1/admin/sessions/{id}/limits", admin(s.handleLimits))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return s.requestID(h)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "request", "method", r.Method, "path", r.URL.Path,
			"request_id", id, "duration", time.Since(start))
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeErr maps engine errors onto problem responses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrUnknownSession):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, session.ErrInvalidAmount), errors.Is(err, session.ErrEmptySession),
		errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, finance.ErrInvalidAmount),
		errors.Is(err, finance.ErrNegative), errors.Is(err, finance.ErrOverflow),
		errors.Is(err, security.ErrInvalidLimit):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, session.ErrInFlight), errors.Is(err, ledger.ErrExceedsMaxSpend),
		errors.Is(err, ledger.ErrSessionInactive), errors.Is(err, ledger.ErrSessionExpired),
		errors.Is(err, coordinator.ErrDisputed):
		WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, discovery.ErrUnknownAgent):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, discovery.ErrInvalidAgent):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, coordinator.ErrNoCandidate):
		WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrClosed):
		WriteError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

// mayRelease reports whether the caller may move funds out of sessionID.
// Admins may pay from any session. Anyone else must be the session's escrow
// agent when the session names one. It writes the refusal itself.
func (s *Server) mayRelease(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if sessionID == "" || HasScope(r.Context(), AdminScope) {
		return true
	}
	sess, err := s.engine.Session(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = s.engine.SyncSession(r.Context(), sessionID)
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrUnknownSession):
		// the engine reports SESSION_NOT_FOUND as a decision
		return true
	case err != nil:
		s.writeErr(w, r, err)
		return false
	}
	if sess.EscrowAgent == "" || contracts.NormalizeAddress(AdminSubject(r.Context())) == sess.EscrowAgent {
		return true
	}
	WriteForbidden(w, r, "caller is not the escrow agent of session "+sessionID)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	paused, err := s.engine.Paused(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "policy store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"paused":        paused,
		"active_actors": s.engine.ActiveActors(),
	})
}

type openSessionRequest struct {
	Owner       string         `json:"owner"`
	EscrowAgent string         `json:"escrow_agent"`
	MaxSpend    finance.Amount `json:"max_spend"`
	Duration    string         `json:"duration"`
	Agents      []string       `json:"agents"`
	Deposit     finance.Amount `json:"deposit"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		WriteBadRequest(w, r, "duration must be a positive Go duration such as \"1h\"")
		return
	}
	sess, err := s.engine.OpenSession(r.Context(), ledger.SessionSpec{
		Owner:       req.Owner,
		EscrowAgent: req.EscrowAgent,
		MaxSpend:    req.MaxSpend,
		Duration:    d,
		Agents:      req.Agents,
	}, req.Deposit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type amountRequest struct {
	Amount finance.Amount `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.engine.Deposit(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.CloseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type agentRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleAuthorizeAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.AuthorizeAgent(r.Context(), r.PathValue("id"), req.Agent); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeAgent(r.Context(), r.PathValue("id"), r.PathValue("agent")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentRequest struct {
	Agent       string         `json:"agent"`
	Amount      finance.Amount `json:"amount"`
	ExecutionID string         `json:"execution_id"`
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.engine.CanExecute(r.Context(), r.PathValue("id"), req.Agent, req.Amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ExecutionID == "" {
		WriteBadRequest(w, r, "execution_id is required")
		return
	}
	if !s.mayRelease(w, r, r.PathValue("id")) {
		return
	}
	res, err := s.engine.ReleasePayment(r.Context(), r.PathValue("id"), req.Agent, req.Amount, req.ExecutionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.Releases(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") == "" {
		WriteBadRequest(w, r, "execution id is required")
		return
	}
	rec, err := s.engine.ReleaseRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("id") == "" {
		WriteBadRequest(w, r, "execution id is required")
		return
	}
	if !HasScope(r.Context(), AdminScope) {
		rec, err := s.engine.ReleaseRecord(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !s.mayRelease(w, r, rec.SessionID) {
			return
		}
	}
	res, err := s.engine.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		if err := s.machine.Graph().WriteDOT(w); err != nil {
			s.logger.Warn("write graph", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Graph().Edges())
}

type createProcessRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := s.machine.CreateProcess(r.Context(), req.Metadata)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type transitionRequest struct {
	To        contracts.State `json:"to"`
	Agent     string          `json:"agent"`
	Role      contracts.Role  `json:"role"`
	SessionID string          `json:"session_id"`
	Proof     []byte          `json:"proof"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.mayRelease(w, r, req.SessionID) {
		return
	}
	res, err := s.machine.Transition(r.Context(), process.Request{
		ProcessID: r.PathValue("id"),
		To:        req.To,
		Agent:     req.Agent,
		Role:      req.Role,
		SessionID: req.SessionID,
		Proof:     req.Proof,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.machine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.machine.ExpectedFee(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]finance.Amount{"expected_fee": fee})
}

type runRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		WriteError(w, r, http.StatusNotImplemented, "no coordinator configured")
		return
	}
	var req runRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.mayRelease(w, r, req.SessionID) {
		return
	}
	out, err := s.coordinator.Run(r.Context(), r.PathValue("id"), req.SessionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteError(w, r, http.StatusNotImplemented, "no agent registry configured")
		return
	}
	q := r.URL.Query()
	role := contracts.Role(q.Get("role"))
	if role == contracts.RoleNone {
		WriteBadRequest(w, r, "role is required")
		return
	}
	var minRep float64
	if v := q.Get("min_reputation"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			WriteBadRequest(w, r, "min_reputation must be a number")
			return
		}
		minRep = f
	}
	cands, err := s.registry.Discover(r.Context(), role, minRep)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteError(w, r, http.StatusNotImplemented, "no agent registry configured")
		return
	}
	var a discovery.Agent
	if !decode(w, r, &a) {
		return
	}
	if err := s.registry.Register(a); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteError(w, r, http.StatusNotImplemented, "no agent registry configured")
		return
	}
	if err := s.registry.Unregister(r.PathValue("address")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		WriteError(w, r, http.StatusNotImplemented, "no audit store configured")
		return
	}
	q := r.URL.Query()
	f := contracts.AuditFilter{
		SessionID: q.Get("session_id"),
		ProcessID: q.Get("process_id"),
		Action:    contracts.AuditAction(q.Get("action")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	entries, err := s.audit.QueryAudit(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "pause requested", "admin", AdminSubject(r.Context()))
	if err := s.engine.Pause(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unpause(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Policy().Blacklisted(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Blacklist(r.Context(), r.PathValue("agent")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unblacklist(r.Context(), r.PathValue("agent")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type limitsRequest struct {
	MaxPerCall *finance.Amount `json:"max_per_call,omitempty"`
	RateLimit  *int            `json:"rate_limit,omitempty"`
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MaxPerCall == nil && req.RateLimit == nil {
		WriteBadRequest(w, r, "one of max_per_call or rate_limit is required")
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		WriteBadRequest(w, r, "rate_limit must not be negative")
		return
	}
	id := r.PathValue("id")
	if req.MaxPerCall != nil {
		if err := s.engine.SetMaxPerCall(r.Context(), id, *req.MaxPerCall); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	if req.RateLimit != nil {
		if err := s.engine.SetRateLimit(r.Context(), id, *req.RateLimit); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	limits, err := s.engine.Policy().Effective(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}
