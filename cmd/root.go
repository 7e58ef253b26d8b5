package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"modkit/internal/api"
	"modkit/internal/config"
	"modkit/internal/core"
	"modkit/internal/storage"
	"modkit/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodePermissionDenied indicates tenant security rejected the operation.
	ExitCodePermissionDenied = 2
	// ExitCodeRollbackRequired indicates a pair is pinned after a failed rollback.
	ExitCodeRollbackRequired = 3
)

var (
	configDir string
	logLevel  string
)

// rootCmd represents the base command for the modkit application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "modkit",
	Short: "Register, configure, and activate tenant modules",
	Long: `modkit drives modules through their per-tenant lifecycle: registration
with conflict detection, schema-validated configuration with versioned
history, additive migrations, and orchestrated activation with rollback.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, os.Stderr)
		return nil
	},
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "modkit version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps the error taxonomy to semantic exit codes for
// scripting and automation.
func getExitCode(err error) int {
	switch api.KindOf(err) {
	case api.KindPermissionDenied:
		return ExitCodePermissionDenied
	case api.KindRollbackRequired:
		return ExitCodeRollbackRequired
	default:
		return ExitCodeError
	}
}

// newCore builds a Core over a file store rooted at the config
// directory. Every command opens its own core; there is no daemon.
func newCore() (*core.Core, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	store := storage.NewFileStore(filepath.Join(configDir, "data"))
	return core.New(cfg, core.Options{Store: store})
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultConfigDir := filepath.Join(home, ".config", "modkit")

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir,
		"directory holding config.yaml and the data store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newActivateCmd())
	rootCmd.AddCommand(newDeactivateCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newWatchCmd())
}

// asError keeps cobra's error handling on the taxonomy path.
func asError(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return err
}
