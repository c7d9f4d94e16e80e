package confirm

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func issueArgs() map[string]any {
	return map[string]any{
		"repository": "brainego/core",
		"title":      "crash on start",
		"labels":     []any{"bug", "p1"},
	}
}

func TestGateRoundTrip(t *testing.T) {
	t.Parallel()
	gate := NewGate(Config{})

	first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()})
	if first.Allowed || first.Status != StatusPending || first.StatusCode != http.StatusAccepted {
		t.Fatalf("first call = %+v, want pending", first)
	}
	if first.Plan == nil || first.Plan.ConfirmationID == "" {
		t.Fatal("pending result has no plan")
	}
	if first.Plan.PlannedCall.ToolName != "github_create_issue" || first.Plan.PlannedCall.Arguments["repository"] != "brainego/core" {
		t.Errorf("planned call = %+v", first.Plan.PlannedCall)
	}
	if gate.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", gate.Pending())
	}

	confirm := Request{
		RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue",
		Arguments: issueArgs(), Confirm: true, ConfirmationID: first.Plan.ConfirmationID,
	}
	second := gate.Evaluate(confirm)
	if !second.Allowed || second.Status != StatusAllowed {
		t.Fatalf("confirmed call = %+v, want allowed", second)
	}
	if gate.Pending() != 0 {
		t.Errorf("Pending() = %d after consume, want 0", gate.Pending())
	}

	third := gate.Evaluate(confirm)
	if third.Allowed || third.StatusCode != http.StatusNotFound || third.Reason != "unknown or expired confirmation_id" {
		t.Errorf("replayed confirmation = %+v, want 404 unknown or expired", third)
	}
}

func TestGateStoresArgumentCopy(t *testing.T) {
	t.Parallel()
	gate := NewGate(Config{})
	args := issueArgs()

	first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: args})
	args["repository"] = "attacker/repo"

	res := gate.Evaluate(Request{
		RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue",
		Arguments: args, Confirm: true, ConfirmationID: first.Plan.ConfirmationID,
	})
	if res.Allowed || res.StatusCode != http.StatusConflict {
		t.Errorf("confirmation after caller mutated args = %+v, want 409", res)
	}
}

func TestGateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		confirm    func(id string) Request
		wantCode   int
		wantReason string
	}{
		{
			name: "different caller",
			confirm: func(id string) Request {
				return Request{RequestedBy: "mallory", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: id}
			},
			wantCode:   http.StatusForbidden,
			wantReason: "confirmation_id was issued to a different caller",
		},
		{
			name: "different arguments",
			confirm: func(id string) Request {
				args := issueArgs()
				args["title"] = "something else"
				return Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: args, Confirm: true, ConfirmationID: id}
			},
			wantCode:   http.StatusConflict,
			wantReason: "confirmation payload does not match pending plan",
		},
		{
			name: "different server",
			confirm: func(id string) Request {
				return Request{RequestedBy: "alice", ServerID: "mcp-gitlab", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: id}
			},
			wantCode:   http.StatusConflict,
			wantReason: "confirmation payload does not match pending plan",
		},
		{
			name: "different tool",
			confirm: func(id string) Request {
				return Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_update_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: id}
			},
			wantCode:   http.StatusConflict,
			wantReason: "confirmation payload does not match pending plan",
		},
		{
			name: "unknown id",
			confirm: func(string) Request {
				return Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: "00000000-0000-0000-0000-000000000000"}
			},
			wantCode:   http.StatusNotFound,
			wantReason: "unknown or expired confirmation_id",
		},
		{
			name: "id without confirm",
			confirm: func(id string) Request {
				return Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), ConfirmationID: id}
			},
			wantCode:   http.StatusBadRequest,
			wantReason: "confirmation_id requires confirm=true",
		},
		{
			name: "confirm without id",
			confirm: func(string) Request {
				return Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true}
			},
			wantCode:   http.StatusBadRequest,
			wantReason: "confirm=true requires confirmation_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(Config{})
			first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()})
			if first.Plan == nil {
				t.Fatalf("first call = %+v, want a plan", first)
			}

			res := gate.Evaluate(tt.confirm(first.Plan.ConfirmationID))
			if res.Allowed || res.Status != StatusRejected {
				t.Fatalf("result = %+v, want rejected", res)
			}
			if res.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.wantCode)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.wantReason)
			}
		})
	}
}

func TestGateFailedConfirmationBurnsPlan(t *testing.T) {
	t.Parallel()
	gate := NewGate(Config{})
	first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()})

	bad := gate.Evaluate(Request{RequestedBy: "mallory", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: first.Plan.ConfirmationID})
	if bad.Allowed {
		t.Fatal("mismatched caller allowed")
	}
	good := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs(), Confirm: true, ConfirmationID: first.Plan.ConfirmationID})
	if good.Allowed || good.StatusCode != http.StatusNotFound {
		t.Errorf("confirmation after a failed attempt = %+v, want 404", good)
	}
}

func TestGatePassesReadTools(t *testing.T) {
	t.Parallel()
	gate := NewGate(Config{})

	res := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_list_issues"})
	if !res.Allowed || res.Status != StatusAllowed || res.Plan != nil {
		t.Errorf("read tool = %+v, want allowed without plan", res)
	}
	res = gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_list_issues", ConfirmationID: "x"})
	if res.Allowed || res.StatusCode != http.StatusBadRequest {
		t.Errorf("read tool with stray confirmation_id = %+v, want 400", res)
	}
	if gate.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", gate.Pending())
	}
}

func TestGatePlanExpiry(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	gate := NewGate(Config{TTL: 10 * time.Second, Now: clock.Now})

	first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()})
	if want := clock.Now().Add(10 * time.Second); !first.Plan.PlannedCall.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", first.Plan.PlannedCall.ExpiresAt, want)
	}

	clock.Advance(11 * time.Second)
	res := gate.Evaluate(Request{
		RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue",
		Arguments: issueArgs(), Confirm: true, ConfirmationID: first.Plan.ConfirmationID,
	})
	if res.Allowed || res.Reason != "unknown or expired confirmation_id" {
		t.Errorf("late confirmation = %+v, want unknown or expired", res)
	}
}

func TestStoreCapacityEvictsOldest(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := NewStore(StoreConfig{Capacity: 2, Now: clock.Now})

	a := store.Create("alice", "s", "github_create_issue", nil)
	clock.Advance(time.Second)
	b := store.Create("alice", "s", "github_create_issue", nil)
	clock.Advance(time.Second)
	c := store.Create("alice", "s", "github_create_issue", nil)

	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}
	if _, err := store.Consume(a.ConfirmationID, "alice", "s", "github_create_issue", nil); err != ErrUnknownPlan {
		t.Errorf("oldest plan: err = %v, want ErrUnknownPlan", err)
	}
	for _, p := range []*Plan{b, c} {
		if _, err := store.Consume(p.ConfirmationID, "alice", "s", "github_create_issue", map[string]any{}); err != nil {
			t.Errorf("Consume(%s) error = %v", p.ConfirmationID, err)
		}
	}
}

func TestSameArguments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b map[string]any
		want bool
	}{
		{"nil and empty", nil, map[string]any{}, true},
		{"key order irrelevant", map[string]any{"a": 1.0, "b": "x"}, map[string]any{"b": "x", "a": 1.0}, true},
		{"nested equal", map[string]any{"l": []any{"a", map[string]any{"k": true}}}, map[string]any{"l": []any{"a", map[string]any{"k": true}}}, true},
		{"list order matters", map[string]any{"l": []any{"a", "b"}}, map[string]any{"l": []any{"b", "a"}}, false},
		{"extra key", map[string]any{"a": 1.0}, map[string]any{"a": 1.0, "b": 2.0}, false},
		{"type differs", map[string]any{"a": "1"}, map[string]any{"a": 1.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameArguments(tt.a, tt.b); got != tt.want {
				t.Errorf("sameArguments() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateRateLimitsPlanCreation(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	gate := NewGate(Config{MaxPlansPerMinute: 2, Now: clock.Now})

	req := Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()}
	for i := 0; i < 2; i++ {
		if res := gate.Evaluate(req); res.Status != StatusPending {
			t.Fatalf("plan %d = %+v, want pending", i+1, res)
		}
	}
	res := gate.Evaluate(req)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third plan = %+v, want 429", res)
	}
	if res.Reason != "too many pending confirmations for caller 'alice'" {
		t.Errorf("Reason = %q", res.Reason)
	}

	other := req
	other.RequestedBy = "bob"
	if res := gate.Evaluate(other); res.Status != StatusPending {
		t.Errorf("other caller = %+v, want pending", res)
	}

	clock.Advance(30 * time.Second)
	if res := gate.Evaluate(req); res.Status != StatusPending {
		t.Errorf("after refill = %+v, want pending", res)
	}
}

func TestGateConcurrentConfirmation(t *testing.T) {
	t.Parallel()
	gate := NewGate(Config{})
	first := gate.Evaluate(Request{RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue", Arguments: issueArgs()})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := gate.Evaluate(Request{
				RequestedBy: "alice", ServerID: "mcp-github", ToolName: "github_create_issue",
				Arguments: issueArgs(), Confirm: true, ConfirmationID: first.Plan.ConfirmationID,
			})
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 1 {
		t.Errorf("confirmation allowed %d times, want exactly 1", allowed)
	}
}
