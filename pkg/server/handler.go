package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/brainego/toolpolicy/pkg/audit"
	"github.com/brainego/toolpolicy/pkg/confirm"
	"github.com/brainego/toolpolicy/pkg/policy"
)

const maxBodyBytes = 1 << 20

// AuthorizeRequest is the request body for the authorize endpoint.
type AuthorizeRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	RequestID   string         `json:"request_id,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	ServerID    string         `json:"server_id"`
	ToolName    string         `json:"tool_name"`
	Action      string         `json:"action"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Role        string         `json:"role,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`

	// Confirm and ConfirmationID resubmit a call held for confirmation.
	Confirm        bool   `json:"confirm,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`

	// TimeoutSeconds is the caller's default per-call timeout.
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

// AuthorizeResponse is the response body for the authorize endpoint.
//
// Status is "allowed", "denied" (by policy), "pending_confirmation" or
// "rejected" (by the confirmation gate).
type AuthorizeResponse struct {
	Allowed        bool                 `json:"allowed"`
	Status         string               `json:"status"`
	Code           string               `json:"code,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	WorkspaceID    string               `json:"workspace_id,omitempty"`
	Check          string               `json:"check,omitempty"`
	TimeoutSeconds *float64             `json:"timeout_seconds,omitempty"`
	ConfirmationID string               `json:"confirmation_id,omitempty"`
	PlannedCall    *confirm.PlannedCall `json:"planned_call,omitempty"`
}

// ErrorResponse is an error response body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`

	// Path locates the offending field of a rejected policy.
	Path string `json:"path,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status               string `json:"status"`
	Workspaces           int    `json:"workspaces"`
	PendingConfirmations int    `json:"pending_confirmations"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
}

// WorkspacesResponse is the response body for the workspace listing.
type WorkspacesResponse struct {
	Workspaces       []string `json:"workspaces"`
	DefaultWorkspace string   `json:"default_workspace,omitempty"`
}

// UpsertResponse is the response body for a successful admin upsert.
type UpsertResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
}

// Handler handles HTTP requests for the tool policy service.
type Handler struct {
	engine         *policy.Engine
	gate           *confirm.Gate
	audit          *audit.Logger
	metrics        *Metrics
	logger         *zap.Logger
	defaultTimeout float64
	startTime      time.Time
}

// NewHandler creates a new HTTP handler. Nil audit and logger values
// discard their output.
func NewHandler(engine *policy.Engine, gate *confirm.Gate, auditLogger *audit.Logger, logger *zap.Logger, defaultTimeout float64) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:         engine,
		gate:           gate,
		audit:          auditLogger,
		metrics:        NewMetrics(),
		logger:         logger,
		defaultTimeout: defaultTimeout,
		startTime:      time.Now(),
	}
}

// HandleAuthorize evaluates a tool call against policy and, when policy
// allows it, against the write-confirmation gate.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", "")
		return
	}
	for field, value := range map[string]string{"server_id": req.ServerID, "tool_name": req.ToolName, "action": req.Action} {
		if strings.TrimSpace(value) == "" {
			h.sendError(w, http.StatusBadRequest, "invalid_request", "Missing required field: "+field, "")
			return
		}
	}

	timeout := req.TimeoutSeconds
	if timeout == nil && h.defaultTimeout > 0 {
		t := h.defaultTimeout
		timeout = &t
	}
	preq := policy.Request{
		WorkspaceID:           req.WorkspaceID,
		RequestID:             req.RequestID,
		ServerID:              req.ServerID,
		ToolName:              req.ToolName,
		Action:                req.Action,
		Arguments:             req.Arguments,
		Role:                  req.Role,
		Scopes:                req.Scopes,
		DefaultTimeoutSeconds: timeout,
	}

	decision := h.engine.Evaluate(preq)
	redacted, redactions := h.engine.Redact(decision.WorkspaceID, req.ServerID, req.ToolName, req.Arguments)
	h.audit.LogEvaluation(preq, decision, redacted, redactions)
	h.metrics.RecordDecision(decision.Allowed, decision.Check)
	h.metrics.RecordRedactions(redactions)

	if !decision.Allowed {
		status := http.StatusForbidden
		if decision.Check == policy.CheckWorkspace {
			status = http.StatusBadRequest
		}
		h.sendJSON(w, status, AuthorizeResponse{
			Status:      "denied",
			Code:        decision.Code,
			Reason:      decision.Reason,
			WorkspaceID: decision.WorkspaceID,
			Check:       decision.Check,
		})
		return
	}

	result := h.gate.Evaluate(confirm.Request{
		RequestedBy:    req.RequestedBy,
		ServerID:       req.ServerID,
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		Confirm:        req.Confirm,
		ConfirmationID: req.ConfirmationID,
	})
	h.metrics.RecordConfirmation(string(result.Status))
	h.auditGate(preq, decision.WorkspaceID, req.RequestedBy, redacted, result)

	resp := AuthorizeResponse{
		Allowed:     result.Allowed,
		Status:      string(result.Status),
		Code:        decision.Code,
		Reason:      result.Reason,
		WorkspaceID: decision.WorkspaceID,
	}
	if result.Plan != nil {
		resp.ConfirmationID = result.Plan.ConfirmationID
		if result.Status == confirm.StatusPending {
			planned := result.Plan.PlannedCall
			resp.PlannedCall = &planned
		}
	}
	if result.Allowed {
		resp.TimeoutSeconds = decision.TimeoutSeconds
	}
	h.sendJSON(w, result.StatusCode, resp)
}

// auditGate records confirmation gate outcomes. Calls that need no
// confirmation are already covered by the policy entry.
func (h *Handler) auditGate(req policy.Request, workspaceID, requestedBy string, args map[string]any, result confirm.Result) {
	var d audit.Decision
	switch {
	case result.Status == confirm.StatusPending:
		d = audit.DecisionPending
	case result.Status == confirm.StatusRejected:
		d = audit.DecisionRejected
	case result.Plan != nil:
		d = audit.DecisionAllow
	default:
		return
	}
	entry := &audit.Entry{
		WorkspaceID: workspaceID,
		RequestID:   req.RequestID,
		Requester:   requestedBy,
		ServerID:    req.ServerID,
		Tool:        req.ToolName,
		Action:      req.Action,
		Args:        args,
		Decision:    d,
		Check:       "confirmation",
		Reason:      result.Reason,
	}
	if result.Plan != nil {
		entry.ConfirmationID = result.Plan.ConfirmationID
	}
	h.audit.Log(entry)
}

// HandleUpsertWorkspace installs the workspace policy in the request body
// (YAML or JSON) under the workspace id from the path.
func (h *Handler) HandleUpsertWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", "")
		return
	}

	wp, err := policy.ParseWorkspace(id, body)
	if err == nil {
		err = h.engine.UpsertWorkspacePolicy(wp)
	}
	if err != nil {
		h.metrics.RecordUpsert(false)
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			h.sendError(w, http.StatusBadRequest, "invalid_policy", cfgErr.Message, cfgErr.Path)
			return
		}
		h.sendError(w, http.StatusBadRequest, "invalid_policy", err.Error(), "")
		return
	}

	h.metrics.RecordUpsert(true)
	h.logger.Info("workspace policy upserted", zap.String("workspace_id", wp.WorkspaceID))
	h.sendJSON(w, http.StatusOK, UpsertResponse{WorkspaceID: wp.WorkspaceID, Status: "installed"})
}

// HandleListWorkspaces lists the configured workspaces.
func (h *Handler) HandleListWorkspaces(w http.ResponseWriter, _ *http.Request) {
	h.sendJSON(w, http.StatusOK, WorkspacesResponse{
		Workspaces:       h.engine.WorkspaceIDs(),
		DefaultWorkspace: h.engine.DefaultWorkspaceID(),
	})
}

// HandleHealth handles GET requests to the health endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.sendJSON(w, http.StatusOK, HealthResponse{
		Status:               "ok",
		Workspaces:           len(h.engine.WorkspaceIDs()),
		PendingConfirmations: h.gate.Pending(),
		UptimeSeconds:        int64(time.Since(h.startTime).Seconds()),
	})
}

// sendJSON sends a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, errorCode, message, path string) {
	h.sendJSON(w, status, ErrorResponse{Error: errorCode, Message: message, Path: path})
}
