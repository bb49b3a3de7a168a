package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/pipeline"
	"github.com/rodcoding123/helix-sub009/pkg/reversal"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to the pipeline engine.
type Server struct {
	engine *pipeline.Engine
	logger *slog.Logger
}

func NewServer(engine *pipeline.Engine) *Server {
	return &Server{
		engine: engine,
		logger: slog.Default().With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST /v1/actions/{id}/undo", s.handleUndo)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleResolveApproval)
	mux.HandleFunc("POST /v1/approvals/callback", s.handleApprovalCallback)
	mux.HandleFunc("GET /v1/profiles/{userID}", s.handleGetProfile)
	mux.HandleFunc("PUT /v1/profiles/{userID}/level", s.handleSetLevel)
	mux.HandleFunc("GET /v1/audit/{userID}", s.handleAuditTrail)
	mux.HandleFunc("GET /v1/audit/{userID}/verify", s.handleAuditVerify)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitResponse is the wire shape for submissions and approvals.
type submitResponse struct {
	Record    *contracts.ActionRecord   `json:"record"`
	Ticket    *contracts.ApprovalTicket `json:"approval_ticket,omitempty"`
	Duplicate bool                      `json:"duplicate,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req contracts.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}

	out, err := s.engine.SubmitAction(r.Context(), &req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	switch {
	case out.Duplicate:
		writeJSON(w, http.StatusOK, submitResponse{Record: out.Record, Duplicate: true})
	case out.Ticket != nil:
		writeJSON(w, http.StatusAccepted, submitResponse{Record: out.Record, Ticket: out.Ticket})
	default:
		writeJSON(w, http.StatusCreated, submitResponse{Record: out.Record})
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *contracts.ValidationError
	var hverr *contracts.HardViolationError
	switch {
	case errors.As(err, &verr):
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", verr.Error())
	case errors.As(err, &hverr):
		WriteProblem(w, r, http.StatusForbidden, "Hard Constraint Violation", hverr.Error(), hverr.Rules...)
	case errors.Is(err, contracts.ErrAuditWriteFailure):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Audit Unavailable",
			"action not executed: audit trail could not be written")
	case errors.Is(err, contracts.ErrUnknownActionType):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Unknown Action Type", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "submit failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "submission failed")
	}
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.GetAction(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			WriteProblem(w, r, http.StatusNotFound, "Not Found", "no such action")
			return
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestedBy == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "requested_by required")
		return
	}

	record, err := s.engine.Undo(r.Context(), r.PathValue("id"), body.RequestedBy)
	if err != nil {
		s.writeUndoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) writeUndoError(w http.ResponseWriter, r *http.Request, err error) {
	var hverr *contracts.HardViolationError
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Not Found", "no such action")
	case errors.Is(err, reversal.ErrNotUndoable):
		WriteProblem(w, r, http.StatusConflict, "Not Undoable", err.Error())
	case errors.Is(err, reversal.ErrReversalWindowExpired):
		WriteProblem(w, r, http.StatusConflict, "Reversal Window Expired", err.Error())
	case errors.Is(err, reversal.ErrAutonomyTooLow):
		WriteProblem(w, r, http.StatusForbidden, "Autonomy Too Low", err.Error())
	case errors.As(err, &hverr):
		WriteProblem(w, r, http.StatusForbidden, "Hard Constraint Violation", hverr.Error(), hverr.Rules...)
	default:
		s.logger.ErrorContext(r.Context(), "undo failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "undo failed")
	}
}

type resolveRequest struct {
	Decision   contracts.ApprovalDecision `json:"decision"`
	ResolvedBy string                     `json:"resolved_by"`
	Token      string                     `json:"token,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResolvedBy == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "decision and resolved_by required")
		return
	}

	record, err := s.engine.ResolveApproval(r.Context(), r.PathValue("id"), body.Decision, body.ResolvedBy)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Record: record})
}

func (s *Server) handleApprovalCallback(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" || body.ResolvedBy == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "token, decision and resolved_by required")
		return
	}

	record, err := s.engine.ResolveApprovalByToken(r.Context(), body.Token, body.Decision, body.ResolvedBy)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Record: record})
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *contracts.ValidationError
	var hverr *contracts.HardViolationError
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Not Found", "no such ticket")
	case errors.Is(err, contracts.ErrApprovalExpired):
		WriteProblem(w, r, http.StatusConflict, "Approval Expired", "the ticket expired before resolution")
	case errors.Is(err, contracts.ErrApprovalAlreadyResolved):
		WriteProblem(w, r, http.StatusConflict, "Already Resolved", "the ticket was already resolved")
	case errors.As(err, &hverr):
		WriteProblem(w, r, http.StatusForbidden, "Hard Constraint Violation", hverr.Error(), hverr.Rules...)
	case errors.As(err, &verr):
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", verr.Error())
	case errors.Is(err, store.ErrStaleStatus):
		WriteProblem(w, r, http.StatusConflict, "Conflict", "the action changed state concurrently")
	default:
		s.logger.ErrorContext(r.Context(), "approval resolution failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "resolution failed")
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	prof, err := s.engine.GetProfile(r.Context(), r.PathValue("userID"))
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "profile lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level int `json:"level"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}

	prof, err := s.engine.SetAutonomyLevel(r.Context(), r.PathValue("userID"), body.Level)
	if err != nil {
		var verr *contracts.ValidationError
		if errors.As(err, &verr) {
			WriteProblem(w, r, http.StatusBadRequest, "Bad Request", verr.Error())
			return
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "profile update failed")
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	from := queryInt(r, "from", 1)
	to := queryInt(r, "to", 0)
	entries, err := s.engine.AuditTrail(r.Context(), r.PathValue("userID"), from, to)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "audit read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.VerifyAudit(r.Context(), r.PathValue("userID"), queryInt(r, "from", 1))
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, key string, fallback int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
