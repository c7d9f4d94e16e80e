package confirm

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainego/toolpolicy/pkg/policy"
)

const (
	// DefaultTTL is how long a pending plan can be confirmed.
	DefaultTTL = 10 * time.Minute

	// DefaultCapacity bounds the number of pending plans.
	DefaultCapacity = 1000
)

var (
	// ErrUnknownPlan is returned for a confirmation id that was never issued,
	// has expired, or was already consumed.
	ErrUnknownPlan = errors.New("unknown or expired confirmation_id")

	// ErrCallerMismatch is returned when a plan is confirmed by a caller
	// other than the one it was issued to.
	ErrCallerMismatch = errors.New("confirmation_id was issued to a different caller")

	// ErrPayloadMismatch is returned when the confirmed call differs from
	// the planned one.
	ErrPayloadMismatch = errors.New("confirmation payload does not match pending plan")
)

// Plan is a pending write call. Plans are immutable; the store hands out
// copies.
type Plan struct {
	ConfirmationID string
	RequestedBy    string
	ServerID       string
	ToolName       string
	Arguments      map[string]any
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// PlannedCall is the echoed call inside a PlanView.
type PlannedCall struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PlanView is the representation of a plan that is safe to return to the
// caller. It omits the requester identity.
type PlanView struct {
	ConfirmationID string      `json:"confirmation_id"`
	PlannedCall    PlannedCall `json:"planned_call"`
}

// PublicView returns the caller-facing form of the plan.
func (p *Plan) PublicView() *PlanView {
	return &PlanView{
		ConfirmationID: p.ConfirmationID,
		PlannedCall: PlannedCall{
			ServerID:  p.ServerID,
			ToolName:  p.ToolName,
			Arguments: policy.CloneArguments(p.Arguments),
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.ExpiresAt,
		},
	}
}

func (p *Plan) clone() *Plan {
	c := *p
	c.Arguments = policy.CloneArguments(p.Arguments)
	return &c
}

// StoreConfig configures a Store. Zero values select the defaults.
type StoreConfig struct {
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
}

// Store holds pending plans in memory.
//
// Expired plans are purged whenever the store is touched. When the store is
// full the oldest plan is evicted to make room. A single mutex guards all
// state.
type Store struct {
	mu       sync.Mutex
	plans    map[string]*Plan
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewStore creates an empty plan store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		plans:    make(map[string]*Plan),
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		now:      cfg.Now,
	}
}

// Create stores a new plan for the call and returns a copy of it. The
// arguments are deep-copied.
func (s *Store) Create(requestedBy, serverID, toolName string, args map[string]any) *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeLocked(now)
	for len(s.plans) >= s.capacity {
		s.evictOldestLocked()
	}

	p := &Plan{
		ConfirmationID: uuid.NewString(),
		RequestedBy:    requestedBy,
		ServerID:       serverID,
		ToolName:       toolName,
		Arguments:      policy.CloneArguments(args),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}
	s.plans[p.ConfirmationID] = p
	return p.clone()
}

// Consume removes the plan for id and checks it against the resubmitted
// call. The plan is removed even when the check fails, so every
// confirmation id can be presented at most once.
func (s *Store) Consume(id, requestedBy, serverID, toolName string, args map[string]any) (*Plan, error) {
	s.mu.Lock()
	now := s.now()
	s.purgeLocked(now)
	p, ok := s.plans[id]
	if ok {
		delete(s.plans, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrUnknownPlan
	}
	if p.RequestedBy != requestedBy {
		return nil, ErrCallerMismatch
	}
	if policy.NormalizeName(p.ServerID) != policy.NormalizeName(serverID) ||
		policy.NormalizeName(p.ToolName) != policy.NormalizeName(toolName) ||
		!sameArguments(p.Arguments, args) {
		return nil, ErrPayloadMismatch
	}
	return p, nil
}

// Len returns the number of unexpired pending plans.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(s.now())
	return len(s.plans)
}

func (s *Store) purgeLocked(now time.Time) {
	for id, p := range s.plans {
		if !now.Before(p.ExpiresAt) {
			delete(s.plans, id)
		}
	}
}

func (s *Store) evictOldestLocked() {
	var oldest *Plan
	for _, p := range s.plans {
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	if oldest != nil {
		delete(s.plans, oldest.ConfirmationID)
	}
}

// sameArguments compares argument payloads by their canonical JSON form,
// which sorts map keys. A nil and an empty payload are equal.
func sameArguments(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
