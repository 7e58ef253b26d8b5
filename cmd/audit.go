package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"modkit/internal/security"
)

var (
	auditTenant   string
	auditResource string
	auditAction   string
	auditSince    time.Duration
	auditLimit    int
)

// newAuditCmd creates the command that queries the audit trail.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			filter := security.QueryFilter{
				TenantID:     auditTenant,
				ResourceType: security.ResourceType(auditResource),
				Action:       security.Action(auditAction),
				Limit:        auditLimit,
			}
			if auditSince > 0 {
				filter.Since = time.Now().Add(-auditSince)
			}

			entries := c.Audit().Query(filter)
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No audit entries match"))
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader([]interface{}{"TIME", "TENANT", "ACTOR", "OPERATION", "RESOURCE", "ACTION", "OK"})
			for _, entry := range entries {
				ok := text.FgGreen.Sprint("yes")
				if !entry.Success {
					ok = text.FgRed.Sprint("no")
				}
				t.AppendRow([]interface{}{
					entry.Timestamp.Format(time.RFC3339),
					entry.TenantID,
					entry.ActorID,
					entry.Operation,
					entry.ResourceType,
					entry.Action,
					ok,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&auditTenant, "tenant", "", "filter by tenant id")
	cmd.Flags().StringVar(&auditResource, "resource", "", "filter by resource type (theme, config, module, data)")
	cmd.Flags().StringVar(&auditAction, "action", "", "filter by action (read, write, delete, activate, deactivate)")
	cmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this duration (e.g. 24h)")
	cmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to show")
	return cmd
}
