package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"modkit/internal/api"
	"modkit/internal/registry"
)

var (
	registerOnConflict   string
	registerRenameSuffix string
)

// newRegisterCmd creates the command that registers a module manifest.
func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <manifest.yaml>",
		Short: "Register a module from a manifest file",
		Long: `Register validates the manifest (required fields, semver version,
dependency constraints, required capabilities) and claims its declared
integration points. A conflicting registration names the current owner;
retry with --on-conflict=override or --on-conflict=rename.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def api.ModuleDefinition
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("manifest %s is not a valid module definition: %w", args[0], err)
			}

			c, err := newCore()
			if err != nil {
				return err
			}

			opts := registry.RegisterOptions{
				OnConflict:   registry.ConflictResolution(registerOnConflict),
				RenameSuffix: registerRenameSuffix,
			}
			entry, err := c.RegisterModule(cmd.Context(), def, nil, api.SourceManual, opts)
			if err != nil {
				return asError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered module %s version %s (%d integration points)\n",
				entry.Definition.ID, entry.Definition.Version, len(entry.Integrations))
			return nil
		},
	}

	cmd.Flags().StringVar(&registerOnConflict, "on-conflict", string(registry.ResolveManual),
		"conflict resolution: manual, override, or rename")
	cmd.Flags().StringVar(&registerRenameSuffix, "rename-suffix", "",
		"suffix appended to colliding paths with --on-conflict=rename")
	return cmd
}
