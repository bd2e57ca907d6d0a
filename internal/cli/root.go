// Package cli implements the chainctl CLI commands.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidthor/chainctl/internal/logging"

	// Import gateways and state backends to register them via init()
	_ "github.com/davidthor/chainctl/pkg/gateway/evm"
	_ "github.com/davidthor/chainctl/pkg/gateway/memory"
	_ "github.com/davidthor/chainctl/pkg/state/backend/azurerm"
	_ "github.com/davidthor/chainctl/pkg/state/backend/gcs"
	_ "github.com/davidthor/chainctl/pkg/state/backend/local"
	_ "github.com/davidthor/chainctl/pkg/state/backend/s3"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	cfgFile       string
	backendType   string
	backendConfig []string
	logLevel      string
	logFormat     string
	logFile       string

	logger *logging.Logger
}

// Logger returns the command logger, or a discarding one before setup.
func (g *globalOptions) Logger() *slog.Logger {
	if g.logger == nil {
		return logging.Discard()
	}
	return g.logger.Logger
}

// NewRootCmd builds the chainctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "chainctl",
		Short: "Deploy interdependent contracts in order",
		Long: `chainctl deploys a plan of interdependent on-chain components.

Each step of a plan creates a component, configures an existing one, or
attaches to an instance that is already deployed. Addresses of earlier steps
are wired into the arguments of later ones. Progress is recorded in a ledger
after every confirmed step, so a failed run can be resumed without creating
anything twice.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(g.cfgFile); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Level:  firstNonEmpty(g.logLevel, viper.GetString("log_level")),
				Format: firstNonEmpty(g.logFormat, viper.GetString("log_format")),
				File:   firstNonEmpty(g.logFile, viper.GetString("log_file")),
				Writer: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			g.logger = logger
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if g.logger != nil {
				return g.logger.Close()
			}
			return nil
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.cfgFile, "config", "", "config file (default is $HOME/.chainctl/config.yaml)")
	flags.StringVar(&g.backendType, "backend", "", "State backend type (local, s3, gcs, azurerm)")
	flags.StringArrayVar(&g.backendConfig, "backend-config", nil, "Backend configuration (key=value)")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&g.logFile, "log-file", "", "Write logs to a file instead of stderr")

	rootCmd.AddCommand(newApplyCmd(g))
	rootCmd.AddCommand(newPlanCmd(g))
	rootCmd.AddCommand(newValidateCmd(g))
	rootCmd.AddCommand(newLedgerCmd(g))
	rootCmd.AddCommand(newArtifactsCmd(g))
	rootCmd.AddCommand(newNetworksCmd(g))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig(cfgFile string) error {
	viper.SetEnvPrefix("CHAINCTL")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
		return nil
	}

	// Search for config in home directory
	if dir, err := configDir(); err == nil {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
	return nil
}

// configDir returns ~/.chainctl.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chainctl"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// printf writes to the command's stdout.
func printf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
