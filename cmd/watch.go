package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modkit/internal/registry"
)

var watchDebounce time.Duration

// newWatchCmd creates the command that watches a manifest directory and
// registers every module manifest dropped into it.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <manifest-dir>",
		Short: "Watch a directory and auto-register module manifests",
		Long: `Watch scans the directory once, registers every YAML manifest found,
then keeps watching for new or changed manifests until interrupted.
Discovered modules are registered with source "automatic"; conflicts with
existing registrations are logged and skipped, never overridden.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			discovery := registry.NewDiscovery(c.Registry(), args[0], watchDebounce)
			if err := discovery.Start(cmd.Context()); err != nil {
				return err
			}
			defer discovery.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for module manifests (Ctrl-C to stop)\n", args[0])

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond,
		"delay before a changed manifest is re-read")
	return cmd
}
