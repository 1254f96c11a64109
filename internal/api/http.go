package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTCDecoded/governance-app/internal/logging"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/service"
)

const defaultMaxBodyBytes = 2 << 20

type Options struct {
	ServiceName  string
	Version      string
	MaxBodyBytes int64
	// AdminToken enables bearer auth on /v1 admin routes when non-empty.
	AdminToken string
	// TrustedCIDRs restricts admin routes by source address when non-empty.
	TrustedCIDRs []string
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

type Handler struct {
	gk     *service.Gatekeeper
	logger *slog.Logger
	opts   Options
}

func NewHandler(gk *service.Gatekeeper, logger *slog.Logger, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{gk: gk, logger: logger, opts: opts}
}

// Router mounts the webhook intake and the admin API. Admin routes sit
// behind the IP allow list and bearer auth when those are configured.
func (h *Handler) Router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	if h.opts.Gatherer != nil {
		r.Handle(h.opts.MetricsPath, promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/v1/webhooks/github", h.handleWebhook)

	allow, err := IPAllowListMiddleware(h.opts.TrustedCIDRs)
	if err != nil {
		return nil, err
	}
	r.Group(func(admin chi.Router) {
		admin.Use(allow)
		if h.opts.AdminToken != "" {
			admin.Use(BearerAuthMiddleware(h.opts.AdminToken))
		}
		admin.Get("/v1/pulls/{owner}/{name}/{number}", h.handlePullRequest)
		admin.Post("/v1/pulls/{owner}/{name}/{number}/evaluate", h.handleEvaluate)

		admin.Post("/v1/vetoes", h.handleSubmitVeto)
		admin.Post("/v1/vetoes/withdraw", h.handleWithdrawVeto)

		admin.Route("/v1/emergencies/{scope}", func(em chi.Router) {
			em.Get("/", h.handleEmergency)
			em.Post("/activate", h.handleActivateEmergency)
			em.Post("/extend", h.handleExtendEmergency)
			em.Post("/post-mortem", h.handlePostMortem)
			em.Post("/security-audit", h.handleSecurityAudit)
		})

		admin.Get("/v1/audit/entries", h.handleAuditEntries)
		admin.Get("/v1/audit/root", h.handleAuditRoot)
		admin.Get("/v1/audit/verify", h.handleAuditVerify)
		admin.Get("/v1/audit/proof/{seq}", h.handleAuditProof)
		admin.Post("/v1/audit/anchor", h.handleAuditAnchor)
	})
	return r, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.gk.Health(r.Context())
	resp.Service = h.opts.ServiceName
	resp.Version = h.opts.Version
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "health", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func prTarget(r *http.Request) (string, int, error) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	if err := protocol.ValidateRepo(repo); err != nil {
		return "", 0, service.InputError("BAD_REQUEST", err.Error(), err)
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		return "", 0, service.InputError("BAD_REQUEST", "pull request number must be a positive integer", err)
	}
	return repo, number, nil
}

func (h *Handler) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	repo, number, err := prTarget(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_pull_request")
	logging.AddField(r.Context(), "pr", protocol.PRKey(repo, number))
	view, err := h.gk.PullRequest(r.Context(), repo, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	repo, number, err := prTarget(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "evaluate")
	logging.AddField(r.Context(), "pr", protocol.PRKey(repo, number))
	summary, err := h.gk.Evaluate(r.Context(), repo, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "verdict", summary.Verdict)
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleSubmitVeto(w http.ResponseWriter, r *http.Request) {
	var req protocol.VetoRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	logging.AddField(r.Context(), "op", "submit_veto")
	logging.AddField(r.Context(), "node_id", req.NodeID)
	resp, err := h.gk.SubmitVeto(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "veto_status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleWithdrawVeto(w http.ResponseWriter, r *http.Request) {
	var req protocol.WithdrawVetoRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	logging.AddField(r.Context(), "op", "withdraw_veto")
	logging.AddField(r.Context(), "node_id", req.NodeID)
	resp, err := h.gk.WithdrawVeto(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// scopeParam unescapes the scope segment so repository scopes can be sent
// as owner%2Fname.
func scopeParam(r *http.Request) (string, error) {
	scope, err := url.PathUnescape(chi.URLParam(r, "scope"))
	if err != nil {
		return "", service.InputError("BAD_SCOPE", "scope is not a valid path segment", err)
	}
	return scope, nil
}

func (h *Handler) handleEmergency(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_emergency")
	logging.AddField(r.Context(), "scope", scope)
	view, err := h.gk.Emergency(r.Context(), scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleActivateEmergency(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req protocol.EmergencyActivateRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	logging.AddField(r.Context(), "op", "activate_emergency")
	logging.AddField(r.Context(), "scope", scope)
	logging.AddField(r.Context(), "tier", req.Tier)
	view, err := h.gk.ActivateEmergency(r.Context(), scope, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "emergency_id", view.ID)
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleExtendEmergency(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req protocol.EmergencyExtendRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	logging.AddField(r.Context(), "op", "extend_emergency")
	logging.AddField(r.Context(), "scope", scope)
	view, err := h.gk.ExtendEmergency(r.Context(), scope, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "emergency_id", view.ID)
	logging.AddField(r.Context(), "extension_count", view.ExtensionCount)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePostMortem(w http.ResponseWriter, r *http.Request) {
	h.handleObligation(w, r, "record_post_mortem", h.gk.RecordPostMortem)
}

func (h *Handler) handleSecurityAudit(w http.ResponseWriter, r *http.Request) {
	h.handleObligation(w, r, "record_security_audit", h.gk.RecordSecurityAudit)
}

type obligationFunc func(ctx context.Context, scope string, req protocol.ObligationRequest) (protocol.EmergencyView, error)

func (h *Handler) handleObligation(w http.ResponseWriter, r *http.Request, op string, record obligationFunc) {
	scope, err := scopeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req protocol.ObligationRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	logging.AddField(r.Context(), "op", op)
	logging.AddField(r.Context(), "scope", scope)
	view, err := record(r.Context(), scope, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "emergency_state", view.State)
	writeJSON(w, http.StatusOK, view)
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, service.InputError("BAD_REQUEST", key+" must be an integer", err)
	}
	return &v, nil
}

func (h *Handler) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt64(r, "from")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var fromSeq int64
	if from != nil {
		fromSeq = *from
	}
	var n int
	if limit != nil {
		n = int(*limit)
	}
	logging.AddField(r.Context(), "op", "audit_entries")
	entries, err := h.gk.AuditEntries(r.Context(), fromSeq, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "entry_count", len(entries))
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleAuditRoot(w http.ResponseWriter, r *http.Request) {
	upto, err := queryInt64(r, "upto")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "audit_root")
	resp, err := h.gk.AuditRoot(r.Context(), upto)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "audit_verify")
	resp, err := h.gk.VerifyAudit(r.Context(), r.URL.Query().Get("root"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "verification_status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		h.writeError(w, r, service.InputError("BAD_REQUEST", "seq must be an integer", err))
		return
	}
	logging.AddField(r.Context(), "op", "audit_proof")
	logging.AddField(r.Context(), "seq", seq)
	proof, err := h.gk.AuditProof(r.Context(), seq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (h *Handler) handleAuditAnchor(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "audit_anchor")
	res, err := h.gk.AnchorAudit(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	calendars := make([]string, 0, len(res.Proofs))
	for _, p := range res.Proofs {
		calendars = append(calendars, p.Calendar)
	}
	logging.AddField(r.Context(), "merkle_root", res.MerkleRoot)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, protocol.AuditAnchorResponse{
		Created:    res.Created,
		UptoSeq:    res.UptoSeq,
		MerkleRoot: res.MerkleRoot,
		Calendars:  calendars,
		Failed:     res.Failed,
	})
}

func badRequest(err error) error {
	return service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_kind", string(appErr.Kind))
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	h.logger.Error("unclassified handler error", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func (h *Handler) decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, h.opts.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
