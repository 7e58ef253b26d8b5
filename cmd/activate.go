package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"modkit/internal/api"
	"modkit/internal/config"
	"modkit/internal/orchestrator"
	"modkit/internal/security"
)

var (
	activateTenant   string
	activateActor    string
	activateStrategy string
	activateValues   []string
)

// newActivateCmd creates the command that activates a module for a
// tenant.
func newActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <module-id>",
		Short: "Activate a module for a tenant",
		Long: `Activate drives a module through the activation phases: resolution,
authorization, config merge, validation, dependency gate, plan execution,
and commit. A failed activation is rolled back; a failed rollback pins
the pair until an operator intervenes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			values, err := parseValues(activateValues)
			if err != nil {
				return err
			}

			result := c.Orchestrator().Activate(cmd.Context(), args[0], activateTenant, values, orchestrator.ActivateOptions{
				Access: security.AccessContext{
					TenantID: activateTenant,
					ActorID:  activateActor,
					Source:   "cli",
				},
				Strategy: config.ActivationStrategy(activateStrategy),
			})

			for _, warning := range result.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning.Message)
			}
			if !result.Success {
				if len(result.Errors) > 0 {
					return asError(result.Errors[0])
				}
				return fmt.Errorf("activation failed in state %s", result.State)
			}

			suffix := ""
			if result.WasIdempotent {
				suffix = " (already active)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated %s for tenant %s in %s%s\n",
				result.ModuleID, result.TenantID, result.Duration.Round(1e6), suffix)
			return nil
		},
	}

	cmd.Flags().StringVar(&activateTenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&activateActor, "actor", "cli", "acting user recorded in the audit log")
	cmd.Flags().StringVar(&activateStrategy, "strategy", "", "activation strategy: instant, gradual, or blue-green")
	cmd.Flags().StringArrayVar(&activateValues, "set", nil, "config override key=value (repeatable, YAML values)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// parseValues turns repeated key=value flags into a config map. Values
// parse as YAML so numbers and booleans keep their types.
func parseValues(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				var value interface{}
				if err := yaml.Unmarshal([]byte(pair[i+1:]), &value); err != nil {
					return nil, api.NewValidationError("cannot parse value in %q: %v", pair, err)
				}
				values[pair[:i]] = value
				break
			}
			if i == len(pair)-1 {
				return nil, api.NewValidationError("expected key=value, got %q", pair)
			}
		}
	}
	return values, nil
}
