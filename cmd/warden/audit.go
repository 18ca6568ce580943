package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/audit"
)

var (
	auditLimit   int
	auditSession string
	auditKind    string
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit events",
	Long: `Show recent tool call and approval audit events, read from the audit store
when audit.enabled is set and from the JSONL audit log otherwise.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.IntVarP(&auditLimit, "limit", "n", 20, "Maximum number of events")
	f.StringVar(&auditSession, "session", "", "Only events of this session")
	f.StringVar(&auditKind, "kind", "", "Only events of this kind: tool_call or approval")
	f.BoolVar(&auditJSON, "json", false, "Print events as JSON lines")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q := audit.Query{SessionID: auditSession, Kind: audit.Kind(auditKind), Limit: auditLimit}

	var events []audit.Event
	if cfg.Audit != nil && cfg.Audit.Enabled {
		store, err := initStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if events, err = store.List(ctx, q); err != nil {
			return fmt.Errorf("listing audit events: %w", err)
		}
	} else {
		all, err := audit.ReadJSONL(cfg.AuditLogPath(), 0)
		if err != nil {
			return err
		}
		events = filterEvents(all, q)
	}

	if auditJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	return printEvents(cmd.OutOrStdout(), events)
}

// filterEvents applies q to events read from the JSONL log and keeps the
// newest q.Limit matches, newest first.
func filterEvents(events []audit.Event, q audit.Query) []audit.Event {
	var out []audit.Event
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func printEvents(w io.Writer, events []audit.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSTATUS\tEXIT\tCOMMAND\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Kind, e.Status, e.ExitCode, e.Command, e.Reason)
	}
	return tw.Flush()
}
