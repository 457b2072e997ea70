// Package api exposes the spending authorization engine over HTTP.
// Policy denials are not errors: a denied spend returns 200 with the
// committed audit event carrying the reason code and label. Caller and
// authorization failures map to RFC 7807 problem responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/api/httperr"
	"github.com/spendguard/spendguard/pkg/archive"
	"github.com/spendguard/spendguard/pkg/audit"
	"github.com/spendguard/spendguard/pkg/auth"
	"github.com/spendguard/spendguard/pkg/config"
	"github.com/spendguard/spendguard/pkg/preflight"
	"github.com/spendguard/spendguard/pkg/records"
	"github.com/spendguard/spendguard/pkg/vault"
)

// Server serves the spendguard HTTP API.
type Server struct {
	svc      *vault.Service
	exporter *audit.Exporter
	archive  archive.Sink
	profiles map[string]*config.PolicyProfile
	log      *slog.Logger

	validator *auth.JWTValidator
	limiter   auth.LimiterStore
	throttle  auth.ThrottlePolicy

	clock func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithExporter enables the evidence export endpoint.
func WithExporter(e *audit.Exporter) ServerOption {
	return func(s *Server) { s.exporter = e }
}

// WithArchive copies every exported bundle to durable storage before it
// leaves the process. The archive reference comes back in X-Archive-Ref.
func WithArchive(sink archive.Sink) ServerOption {
	return func(s *Server) { s.archive = sink }
}

// WithProfiles enables applying canned policy profiles.
func WithProfiles(p map[string]*config.PolicyProfile) ServerOption {
	return func(s *Server) { s.profiles = p }
}

// WithValidator sets the JWT validator. Without one, every protected
// route rejects.
func WithValidator(v *auth.JWTValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// WithLimiter sets the rate limiter store and policy.
func WithLimiter(store auth.LimiterStore, policy auth.ThrottlePolicy) ServerOption {
	return func(s *Server) {
		s.limiter = store
		s.throttle = policy
	}
}

// WithServerClock overrides the preflight clock, for tests.
func WithServerClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a Server over the service.
func NewServer(svc *vault.Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:   svc,
		log:   slog.Default().With("component", "api"),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with auth, request ID, and rate
// limit middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /api/v1/vaults", s.handleCreateVault)
	mux.HandleFunc("GET /api/v1/vaults/{addr}", s.handleGetVault)
	mux.HandleFunc("POST /api/v1/vaults/{addr}/fund", s.handleFundVault)
	mux.HandleFunc("POST /api/v1/vaults/{addr}/policy", s.handleCreatePolicy)

	mux.HandleFunc("GET /api/v1/policies/{addr}", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/v1/policies/{addr}", s.handleUpdatePolicy)
	mux.HandleFunc("PUT /api/v1/policies/{addr}/advanced", s.handleUpdatePolicyAdvanced)
	mux.HandleFunc("PUT /api/v1/policies/{addr}/profile/{name}", s.handleApplyProfile)

	mux.HandleFunc("POST /api/v1/policies/{addr}/spend", s.handleSpend)
	mux.HandleFunc("POST /api/v1/policies/{addr}/spend_v2", s.handleSpendV2)
	mux.HandleFunc("POST /api/v1/policies/{addr}/preflight", s.handlePreflight)

	mux.HandleFunc("GET /api/v1/policies/{addr}/audit", s.handleListAudit)
	mux.HandleFunc("DELETE /api/v1/policies/{addr}/audit/{seq}", s.handleCloseAuditEvent)
	mux.HandleFunc("POST /api/v1/policies/{addr}/export", s.handleExport)

	mux.HandleFunc("GET /api/v1/policies/{addr}/recipients/{id}", s.handleGetRecipientSpend)
	mux.HandleFunc("DELETE /api/v1/policies/{addr}/recipients/{id}", s.handleCloseRecipientSpend)

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.limiter, s.throttle)(h)
	h = auth.NewMiddleware(s.validator)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Vault lifecycle ---

type createVaultResponse struct {
	Vault string `json:"vault"`
}

func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())

	vaultAddr, err := s.svc.CreateVault(r.Context(), caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createVaultResponse{Vault: vaultAddr.String()})
}

type vaultResponse struct {
	Owner     string `json:"owner"`
	CreatedAt int64  `json:"created_at"`
	Balance   uint64 `json:"balance"`
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	vaultAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}

	v, balance, err := s.svc.GetVault(r.Context(), vaultAddr)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultResponse{
		Owner:     v.Owner.String(),
		CreatedAt: v.CreatedAt.Unix(),
		Balance:   balance,
	})
}

type fundRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handleFundVault(w http.ResponseWriter, r *http.Request) {
	vaultAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == 0 {
		httperr.WriteBadRequest(w, "amount must be greater than zero")
		return
	}

	if err := s.svc.FundVault(r.Context(), vaultAddr, req.Amount); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Policy configuration ---

type policyParamsRequest struct {
	DailyBudget     uint64  `json:"daily_budget"`
	CooldownSeconds uint32  `json:"cooldown_seconds"`
	Agent           *string `json:"agent,omitempty"`
}

func (p policyParamsRequest) params() (vault.PolicyParams, error) {
	params := vault.PolicyParams{
		DailyBudget:     p.DailyBudget,
		CooldownSeconds: p.CooldownSeconds,
	}
	if p.Agent != nil {
		agent, err := address.ParseIdentity(*p.Agent)
		if err != nil {
			return params, fmt.Errorf("agent: %w", err)
		}
		params.Agent = &agent
	}
	return params, nil
}

type createPolicyResponse struct {
	Policy string `json:"policy"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	vaultAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req policyParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		httperr.WriteBadRequest(w, err.Error())
		return
	}

	policyAddr, err := s.svc.CreatePolicy(r.Context(), caller, vaultAddr, params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createPolicyResponse{Policy: policyAddr.String()})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	p, err := s.svc.GetPolicy(r.Context(), policyAddr)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req policyParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		httperr.WriteBadRequest(w, err.Error())
		return
	}

	if err := s.svc.UpdatePolicy(r.Context(), caller, policyAddr, params); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type advancedParamsRequest struct {
	policyParamsRequest
	Paused               bool    `json:"paused"`
	AllowlistEnabled     bool    `json:"allowlist_enabled"`
	AllowedRecipient     *string `json:"allowed_recipient,omitempty"`
	PerRecipientDailyCap uint64  `json:"per_recipient_daily_cap"`
}

func (s *Server) handleUpdatePolicyAdvanced(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}

	raw, ok := decodeValidated(w, r, advancedUpdateSchema)
	if !ok {
		return
	}
	var req advancedParamsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httperr.WriteBadRequest(w, "malformed request body")
		return
	}

	base, err := req.params()
	if err != nil {
		httperr.WriteBadRequest(w, err.Error())
		return
	}
	params := vault.AdvancedParams{
		PolicyParams:         base,
		Paused:               req.Paused,
		AllowlistEnabled:     req.AllowlistEnabled,
		PerRecipientDailyCap: req.PerRecipientDailyCap,
	}
	if req.AllowedRecipient != nil {
		recipient, err := address.ParseIdentity(*req.AllowedRecipient)
		if err != nil {
			httperr.WriteBadRequest(w, fmt.Sprintf("allowed_recipient: %v", err))
			return
		}
		params.AllowedRecipient = &recipient
	}

	if err := s.svc.UpdatePolicyAdvanced(r.Context(), caller, policyAddr, params); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApplyProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}

	profile, found := s.profiles[r.PathValue("name")]
	if !found {
		httperr.WriteNotFound(w, fmt.Sprintf("no policy profile named %q", r.PathValue("name")))
		return
	}

	if err := s.svc.UpdatePolicyAdvanced(r.Context(), caller, policyAddr, profile.Params()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.log.InfoContext(r.Context(), "policy profile applied",
		"policy", policyAddr.String(), "profile", profile.Name)
	w.WriteHeader(http.StatusNoContent)
}

// --- Spend ---

type spendRequest struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

type spendResponse struct {
	Allowed    bool               `json:"allowed"`
	ReasonCode records.ReasonCode `json:"reason_code"`
	Reason     string             `json:"reason"`
	Sequence   uint64             `json:"sequence"`
	Audit      string             `json:"audit"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	s.spend(w, r, s.svc.Spend)
}

func (s *Server) handleSpendV2(w http.ResponseWriter, r *http.Request) {
	s.spend(w, r, s.svc.SpendV2)
}

type spendFunc func(ctx context.Context, caller address.Identity, policyAddr address.Address, recipient address.Identity, amount uint64) (*records.AuditEvent, error)

func (s *Server) spend(w http.ResponseWriter, r *http.Request, do spendFunc) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	recipient, err := address.ParseIdentity(req.Recipient)
	if err != nil {
		httperr.WriteBadRequest(w, fmt.Sprintf("recipient: %v", err))
		return
	}

	ev, err := do(r.Context(), caller, policyAddr, recipient, req.Amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, spendResponse{
		Allowed:    ev.Allowed,
		ReasonCode: ev.ReasonCode,
		Reason:     ev.ReasonCode.String(),
		Sequence:   ev.Sequence,
		Audit:      address.AuditEvent(policyAddr, ev.Sequence).String(),
	})
}

// --- Preflight ---

type preflightResponse struct {
	Valid      bool                        `json:"valid"`
	Errors     []preflight.ValidationError `json:"errors,omitempty"`
	Prediction *preflight.Prediction       `json:"prediction,omitempty"`
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := s.svc.GetPolicy(r.Context(), policyAddr)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	snap := preflight.Snapshot{Policy: *p}
	if recipient, parseErr := address.ParseIdentity(req.Recipient); parseErr == nil && p.PerRecipientDailyCap > 0 {
		if rs, rsErr := s.svc.GetRecipientSpend(r.Context(), policyAddr, recipient); rsErr == nil {
			snap.RecipientSpend = rs
		}
	}

	result, prediction := preflight.Check(snap, preflight.Request{
		Policy:    policyAddr.String(),
		Recipient: req.Recipient,
		Amount:    req.Amount,
	}, s.clock())

	resp := preflightResponse{Valid: result.Valid, Errors: result.Errors}
	if result.Valid {
		resp.Prediction = &prediction
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Audit trail ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		httperr.WriteBadRequest(w, err.Error())
		return
	}

	events, err := audit.Query(r.Context(), s.svc, policyAddr, filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	var filter audit.QueryFilter
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("since: %w", err)
		}
		filter.StartSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.MaxResults = n
	}
	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("allowed: %w", err)
		}
		filter.Allowed = &allowed
	}
	if v := q.Get("reason"); v != "" {
		code, err := strconv.ParseUint(v, 10, 16)
		if err != nil || !records.ReasonCode(code).Valid() {
			return filter, fmt.Errorf("reason must be a valid reason code")
		}
		filter.Reason = records.ReasonCode(code)
	}
	return filter, nil
}

func (s *Server) handleCloseAuditEvent(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		httperr.WriteBadRequest(w, "seq must be an unsigned integer")
		return
	}

	auditAddr := address.AuditEvent(policyAddr, seq)
	if err := s.svc.CloseAuditEvent(r.Context(), caller, policyAddr, auditAddr); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		httperr.Write(w, http.StatusNotImplemented, "Not Implemented", "evidence export is not configured")
		return
	}
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		httperr.WriteBadRequest(w, err.Error())
		return
	}

	bundle, err := s.exporter.Export(r.Context(), policyAddr, filter)
	if err != nil {
		if errors.Is(err, audit.ErrEmptyBundle) {
			httperr.WriteNotFound(w, "no audit events match the filter")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	if s.archive != nil {
		ref, putErr := s.archive.Put(r.Context(), bundle)
		if putErr != nil {
			s.log.ErrorContext(r.Context(), "bundle archival failed",
				"policy", policyAddr.String(), "error", putErr)
		} else {
			w.Header().Set("X-Archive-Ref", ref)
		}
	}
	writeJSON(w, http.StatusOK, bundle)
}

// --- Recipient-spend records ---

func (s *Server) handleGetRecipientSpend(w http.ResponseWriter, r *http.Request) {
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	recipient, err := address.ParseIdentity(r.PathValue("id"))
	if err != nil {
		httperr.WriteBadRequest(w, fmt.Sprintf("recipient: %v", err))
		return
	}

	rs, err := s.svc.GetRecipientSpend(r.Context(), policyAddr, recipient)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleCloseRecipientSpend(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustGetCaller(r.Context())
	policyAddr, ok := pathAddress(w, r, "addr")
	if !ok {
		return
	}
	recipient, err := address.ParseIdentity(r.PathValue("id"))
	if err != nil {
		httperr.WriteBadRequest(w, fmt.Sprintf("recipient: %v", err))
		return
	}

	if err := s.svc.CloseRecipientSpend(r.Context(), caller, policyAddr, recipient); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httperr.WriteBadRequest(w, "malformed request body")
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request, key string) (address.Address, bool) {
	addr, err := address.ParseAddress(r.PathValue(key))
	if err != nil {
		httperr.WriteBadRequest(w, fmt.Sprintf("%s: %v", key, err))
		return address.Address{}, false
	}
	return addr, true
}

// writeServiceError maps service sentinel errors to problem responses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		httperr.WriteForbidden(w, err.Error())
	case errors.Is(err, vault.ErrVaultExists),
		errors.Is(err, vault.ErrPolicyExists):
		httperr.WriteConflict(w, err.Error())
	case errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrPolicyNotFound),
		errors.Is(err, vault.ErrAuditEventNotFound),
		errors.Is(err, vault.ErrRecipientSpendNotFound):
		httperr.WriteNotFound(w, err.Error())
	case errors.Is(err, vault.ErrAllowedRecipientRequired),
		errors.Is(err, vault.ErrWrongPolicy),
		errors.Is(err, vault.ErrInsufficientFunds):
		httperr.WriteUnprocessable(w, err.Error())
	default:
		httperr.WriteInternal(w, err)
	}
}
