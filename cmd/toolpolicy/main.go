// Package main is the entry point for the toolpolicy CLI.
//
// Usage:
//
//	# Serve the authorize endpoint with the policy named by TOOL_POLICY_PATH
//	toolpolicy serve
//
//	# Check a policy file and list its workspaces
//	toolpolicy validate policy.yaml
//
//	# Evaluate one call offline
//	toolpolicy eval --policy policy.yaml --workspace ws-1 --server mcp-github \
//	    --tool github_list_issues --action read
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brainego/toolpolicy/pkg/audit"
	"github.com/brainego/toolpolicy/pkg/confirm"
	"github.com/brainego/toolpolicy/pkg/policy"
	"github.com/brainego/toolpolicy/pkg/server"
)

// Set by ldflags.
var version = "dev"

// EnvLogLevel selects the operational log level (debug, info, warn, error).
const EnvLogLevel = "TOOL_POLICY_LOG_LEVEL"

// errDenied makes eval exit non-zero without printing an extra error line.
var errDenied = errors.New("tool call denied")

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolpolicy",
		Short:         "Workspace-scoped policy engine for MCP tool calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), serveCmd(), validateCmd(), evalCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolpolicy %s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		policyPath    string
		auditPath     string
		plansPerMin   int
		confirmTTL    time.Duration
		confirmCap    int
		quotaMaxEntry int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool call authorization API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := mustBuildLogger(os.Getenv(EnvLogLevel))
			defer func() { _ = logger.Sync() }()

			cfg, err := server.ConfigFromEnv()
			if err != nil {
				return err
			}
			if policyPath == "" {
				policyPath = os.Getenv(policy.EnvPolicyPath)
			}
			// A load failure leaves a deny-all engine; the service still
			// starts so callers get explicit denials.
			engine, _ := policy.LoadEngine(policyPath,
				policy.WithLogger(logger.Named("policy")),
				policy.WithQuotaMaxEntries(quotaMaxEntry),
			)

			gate := confirm.NewGate(confirm.Config{
				TTL:               confirmTTL,
				Capacity:          confirmCap,
				MaxPlansPerMinute: plansPerMin,
				Logger:            logger.Named("confirm"),
			})

			auditLogger, err := audit.NewLogger(&audit.Config{FilePath: auditPath})
			if err != nil {
				return err
			}
			defer func() { _ = auditLogger.Close() }()

			srv, err := server.NewServer(cfg, engine, gate, auditLogger, logger.Named("server"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return srv.Stop(context.Background())
		},
	}
	cmd.Flags().StringVarP(&policyPath, "policy", "p", "", "Policy file (default $"+policy.EnvPolicyPath+")")
	cmd.Flags().StringVar(&auditPath, "audit-log", audit.DefaultConfig().FilePath, "Audit log file (JSON Lines)")
	cmd.Flags().IntVar(&plansPerMin, "max-plans-per-minute", 30, "Pending confirmations one caller may open per minute (0 = unlimited)")
	cmd.Flags().DurationVar(&confirmTTL, "confirm-ttl", confirm.DefaultTTL, "How long a pending confirmation stays valid")
	cmd.Flags().IntVar(&confirmCap, "confirm-capacity", confirm.DefaultCapacity, "Maximum pending confirmations")
	cmd.Flags().IntVar(&quotaMaxEntry, "quota-max-entries", policy.DefaultQuotaMaxEntries, "Maximum tracked request counters")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), doc)
		},
	}
}

func printSummary(w io.Writer, doc *policy.Document) error {
	engine := policy.NewEngine(doc)
	ids := engine.WorkspaceIDs()
	fmt.Fprintf(w, "Policy OK (%d workspaces)\n", len(ids))
	for _, id := range ids {
		wp, _ := engine.Workspace(id)
		marker := ""
		if id == doc.DefaultWorkspace {
			marker = " (default)"
		}
		fmt.Fprintf(w, "  %s%s: servers=%s actions=%s roles=%d\n",
			id, marker,
			strings.Join(wp.AllowedServers.Sorted(), ","),
			strings.Join(wp.AllowedActions.Sorted(), ","),
			len(wp.Roles),
		)
	}
	return nil
}

func evalCmd() *cobra.Command {
	var (
		policyPath string
		req        policy.Request
		argsJSON   string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate one tool call against a policy file and print the decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if policyPath == "" {
				policyPath = os.Getenv(policy.EnvPolicyPath)
			}
			doc, err := policy.LoadFile(policyPath)
			if err != nil {
				return err
			}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.Arguments); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}

			d := policy.NewEngine(doc).Evaluate(req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(d); err != nil {
				return err
			}
			if !d.Allowed {
				return errDenied
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&policyPath, "policy", "p", "", "Policy file (default $"+policy.EnvPolicyPath+")")
	f.StringVar(&req.WorkspaceID, "workspace", "", "Workspace id")
	f.StringVar(&req.RequestID, "request", "", "Request id for the per-request call limit")
	f.StringVar(&req.ServerID, "server", "", "MCP server id")
	f.StringVar(&req.ToolName, "tool", "", "Tool name")
	f.StringVar(&req.Action, "action", "read", "Tool action (read, write, delete)")
	f.StringVar(&req.Role, "role", "", "Caller role")
	f.StringSliceVar(&req.Scopes, "scope", nil, "Presented scope (repeatable)")
	f.StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
