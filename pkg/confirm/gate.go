package confirm

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Status is the outcome of a gate evaluation.
type Status string

const (
	StatusAllowed  Status = "allowed"
	StatusPending  Status = "pending_confirmation"
	StatusRejected Status = "rejected"
)

// Config configures a Gate. Zero values select the defaults.
type Config struct {
	// TTL is how long a pending plan can be confirmed.
	TTL time.Duration

	// Capacity bounds the number of pending plans.
	Capacity int

	// MaxPlansPerMinute limits how many plans one caller can open per
	// minute. 0 = unlimited.
	MaxPlansPerMinute int

	Now    func() time.Time
	Logger *zap.Logger
}

// Request is a tool call presented to the gate.
type Request struct {
	RequestedBy    string
	ServerID       string
	ToolName       string
	Arguments      map[string]any
	Confirm        bool
	ConfirmationID string
}

// Result is the gate's answer. StatusCode is the HTTP status a boundary
// should use when the call does not proceed.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Status     Status    `json:"status"`
	StatusCode int       `json:"-"`
	Reason     string    `json:"reason,omitempty"`
	Plan       *PlanView `json:"plan,omitempty"`
}

// Gate evaluates the two-call confirmation protocol.
//
// State per gated call: no plan, then pending, then consumed or expired.
// A first call without confirm opens a plan and is not allowed to run. The
// caller resubmits the identical call with confirm=true and the plan's
// confirmation id; that consumes the plan and allows the call.
type Gate struct {
	store     *Store
	perMinute int
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate creates a gate with its own plan store.
func NewGate(cfg Config) *Gate {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gate{
		store:     NewStore(StoreConfig{TTL: cfg.TTL, Capacity: cfg.Capacity, Now: cfg.Now}),
		perMinute: cfg.MaxPlansPerMinute,
		now:       cfg.Now,
		logger:    cfg.Logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Pending returns the number of unexpired pending plans.
func (g *Gate) Pending() int {
	return g.store.Len()
}

// Evaluate runs one call through the gate.
func (g *Gate) Evaluate(req Request) Result {
	id := strings.TrimSpace(req.ConfirmationID)

	if id != "" && !req.Confirm {
		return reject(http.StatusBadRequest, "confirmation_id requires confirm=true")
	}
	if !RequiresWriteConfirmation(req.ToolName) {
		return Result{Allowed: true, Status: StatusAllowed, StatusCode: http.StatusOK}
	}
	if req.Confirm && id == "" {
		return reject(http.StatusBadRequest, "confirm=true requires confirmation_id")
	}

	if req.Confirm {
		plan, err := g.store.Consume(id, req.RequestedBy, req.ServerID, req.ToolName, req.Arguments)
		if err != nil {
			g.logger.Info("write confirmation rejected",
				zap.String("confirmation_id", id),
				zap.String("requested_by", req.RequestedBy),
				zap.String("tool", req.ToolName),
				zap.Error(err),
			)
			return reject(statusFor(err), err.Error())
		}
		g.logger.Info("write confirmed",
			zap.String("confirmation_id", id),
			zap.String("requested_by", req.RequestedBy),
			zap.String("tool", req.ToolName),
		)
		return Result{Allowed: true, Status: StatusAllowed, StatusCode: http.StatusOK, Plan: plan.PublicView()}
	}

	if !g.allowPlan(req.RequestedBy) {
		return reject(http.StatusTooManyRequests, "too many pending confirmations for caller '"+req.RequestedBy+"'")
	}
	plan := g.store.Create(req.RequestedBy, req.ServerID, req.ToolName, req.Arguments)
	g.logger.Info("write confirmation required",
		zap.String("confirmation_id", plan.ConfirmationID),
		zap.String("requested_by", req.RequestedBy),
		zap.String("server_id", req.ServerID),
		zap.String("tool", req.ToolName),
		zap.Time("expires_at", plan.ExpiresAt),
	)
	return Result{
		Allowed:    false,
		Status:     StatusPending,
		StatusCode: http.StatusAccepted,
		Reason:     "write confirmation required",
		Plan:       plan.PublicView(),
	}
}

// allowPlan applies the per-caller plan creation limit. Limiters that have
// refilled completely carry no state and are dropped.
func (g *Gate) allowPlan(requestedBy string) bool {
	if g.perMinute <= 0 {
		return true
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for caller, l := range g.limiters {
		if caller != requestedBy && l.TokensAt(now) >= float64(g.perMinute) {
			delete(g.limiters, caller)
		}
	}
	l, ok := g.limiters[requestedBy]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute)
		g.limiters[requestedBy] = l
	}
	return l.AllowN(now, 1)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPlan):
		return http.StatusNotFound
	case errors.Is(err, ErrCallerMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrPayloadMismatch):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func reject(code int, reason string) Result {
	return Result{Allowed: false, Status: StatusRejected, StatusCode: code, Reason: reason}
}
