package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"modkit/internal/api"
	"modkit/internal/registry"
)

var (
	listCapability string
	listStatus     string
	listTenant     string
)

// newListCmd creates the command that lists registered modules.
func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			var entries []*registry.Entry
			switch {
			case listCapability != "":
				entries = c.Registry().ListByCapability(listCapability)
			case listStatus != "":
				entries = c.Registry().ListByStatus(api.RegistrationStatus(listStatus))
			default:
				entries = c.Registry().List()
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No modules registered"))
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)

			headers := []interface{}{"MODULE", "VERSION", "STATUS", "SOURCE", "INTEGRATIONS"}
			if listTenant != "" {
				headers = append(headers, "STATE")
			}
			t.AppendHeader(headers)

			for _, entry := range entries {
				row := []interface{}{
					entry.Definition.ID,
					entry.Definition.Version,
					entry.Status,
					entry.Source,
					len(entry.Integrations),
				}
				if listTenant != "" {
					state, err := c.Orchestrator().Status(cmd.Context(), entry.Definition.ID, listTenant)
					if err != nil {
						state = "?"
					}
					row = append(row, colorState(state))
				}
				t.AppendRow(row)
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&listCapability, "capability", "", "filter by capability id")
	cmd.Flags().StringVar(&listStatus, "status", "", "filter by registration status")
	cmd.Flags().StringVar(&listTenant, "tenant", "", "also show the lifecycle state for this tenant")
	return cmd
}

func colorState(state api.LifecycleState) string {
	switch state {
	case api.StateActive:
		return text.FgGreen.Sprint(state)
	case api.StateError, api.StateRollbackRequired:
		return text.FgRed.Sprint(state)
	default:
		return string(state)
	}
}
