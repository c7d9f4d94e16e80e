// Package audit writes tool policy decisions to an append-only JSON Lines file.
//
// Audit output never goes to stdout, which carries the operational log.
// Arguments are expected to be redacted by the caller before they reach
// this package.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brainego/toolpolicy/pkg/policy"
)

// Decision is the audited outcome of a tool call.
type Decision string

const (
	// DecisionAllow - permitted by policy and, where needed, confirmed
	DecisionAllow Decision = "ALLOW"
	// DecisionDeny - refused by the policy engine
	DecisionDeny Decision = "DENY"
	// DecisionPending - permitted by policy, waiting for confirmation
	DecisionPending Decision = "PENDING_CONFIRMATION"
	// DecisionRejected - refused by the confirmation gate
	DecisionRejected Decision = "CONFIRMATION_REJECTED"
)

// Entry is a single audit record.
//
// Example JSON output:
//
//	{
//	  "timestamp": "2026-01-20T10:30:45.123Z",
//	  "event": "tool_call",
//	  "workspace_id": "ws-1",
//	  "request_id": "req-42",
//	  "server_id": "mcp-github",
//	  "tool": "github_create_issue",
//	  "action": "write",
//	  "decision": "DENY",
//	  "check": "argument",
//	  "reason": "argument 'repository' value 'attacker/repo' is outside allowlist",
//	  "args": {"repository": "attacker/repo", "token": "[REDACTED]"},
//	  "redactions": 1
//	}
type Entry struct {
	Timestamp      time.Time
	WorkspaceID    string
	RequestID      string
	Requester      string
	ServerID       string
	Tool           string
	Action         string
	Role           string
	Args           map[string]any
	Decision       Decision
	Check          string
	Reason         string
	Redactions     int
	ConfirmationID string
}

// Config holds configuration for the audit logger.
type Config struct {
	// FilePath is the audit log file. Default: "toolpolicy-audit.jsonl".
	FilePath string
}

// DefaultConfig returns the default audit logger configuration.
func DefaultConfig() *Config {
	return &Config{FilePath: "toolpolicy-audit.jsonl"}
}

// Logger writes audit entries as JSON Lines. It is safe for concurrent use.
type Logger struct {
	zl   *zap.Logger
	file *os.File

	mu     sync.Mutex
	closed bool
}

// NewLogger opens (or creates) the audit file in append mode.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	path := cfg.FilePath
	if path == "" {
		path = DefaultConfig().FilePath
	}
	if isStdoutPath(path) {
		return nil, fmt.Errorf("audit log must not be written to stdout (path: %s)", path)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file %q: %w", path, err)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(file), zapcore.InfoLevel)
	return &Logger{zl: zap.New(core), file: file}, nil
}

// NewFromZap wraps an existing zap logger, for tests and for deployments
// that ship audit records through their own core.
func NewFromZap(zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{zl: zl}
}

// NewNopLogger returns a logger that discards all entries.
func NewNopLogger() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = zapcore.OmitKey
	cfg.MessageKey = "event"
	cfg.LevelKey = zapcore.OmitKey
	cfg.CallerKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func isStdoutPath(path string) bool {
	switch path {
	case "/dev/stdout", "/dev/fd/1", "/proc/self/fd/1":
		return true
	}
	return false
}

// Log writes one audit entry. Entries logged after Close are dropped.
func (l *Logger) Log(entry *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.Time("timestamp", ts),
		zap.String("decision", string(entry.Decision)),
	}
	if entry.WorkspaceID != "" {
		fields = append(fields, zap.String("workspace_id", entry.WorkspaceID))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.Requester != "" {
		fields = append(fields, zap.String("requested_by", entry.Requester))
	}
	if entry.ServerID != "" {
		fields = append(fields, zap.String("server_id", entry.ServerID))
	}
	if entry.Tool != "" {
		fields = append(fields, zap.String("tool", entry.Tool))
	}
	if entry.Action != "" {
		fields = append(fields, zap.String("action", entry.Action))
	}
	if entry.Role != "" {
		fields = append(fields, zap.String("role", entry.Role))
	}
	if entry.Check != "" {
		fields = append(fields, zap.String("check", entry.Check))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Args != nil {
		fields = append(fields, zap.Any("args", entry.Args))
	}
	if entry.Redactions > 0 {
		fields = append(fields, zap.Int("redactions", entry.Redactions))
	}
	if entry.ConfirmationID != "" {
		fields = append(fields, zap.String("confirmation_id", entry.ConfirmationID))
	}

	l.zl.Info("tool_call", fields...)
}

// LogEvaluation records a policy decision. args should already be redacted.
func (l *Logger) LogEvaluation(req policy.Request, d policy.Decision, args map[string]any, redactions int) {
	decision := DecisionAllow
	if !d.Allowed {
		decision = DecisionDeny
	}
	l.Log(&Entry{
		WorkspaceID: d.WorkspaceID,
		RequestID:   req.RequestID,
		ServerID:    req.ServerID,
		Tool:        req.ToolName,
		Action:      req.Action,
		Role:        req.Role,
		Args:        args,
		Decision:    decision,
		Check:       d.Check,
		Reason:      d.Reason,
		Redactions:  redactions,
	})
}

// Sync flushes buffered entries to the file.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.closed {
		return nil
	}
	return l.zl.Sync()
}

// Close flushes and closes the audit file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.closed {
		return nil
	}
	l.closed = true
	_ = l.zl.Sync()
	return l.file.Close()
}
