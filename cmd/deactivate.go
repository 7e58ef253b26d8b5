package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"modkit/internal/orchestrator"
	"modkit/internal/security"
)

var (
	deactivateTenant string
	deactivateActor  string
)

// newDeactivateCmd creates the command that deactivates a module for a
// tenant.
func newDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <module-id>",
		Short: "Deactivate a module for a tenant",
		Long: `Deactivate runs the declared deactivation steps and releases the
module's activation for the tenant. Rejected while another active module
declares this one as a required dependency.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			result := c.Orchestrator().Deactivate(cmd.Context(), args[0], deactivateTenant, orchestrator.DeactivateOptions{
				Access: security.AccessContext{
					TenantID: deactivateTenant,
					ActorID:  deactivateActor,
					Source:   "cli",
				},
			})

			for _, warning := range result.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning.Message)
			}
			if !result.Success {
				if len(result.Errors) > 0 {
					return asError(result.Errors[0])
				}
				return fmt.Errorf("deactivation failed in state %s", result.State)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s for tenant %s\n", result.ModuleID, result.TenantID)
			return nil
		},
	}

	cmd.Flags().StringVar(&deactivateTenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&deactivateActor, "actor", "cli", "acting user recorded in the audit log")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
