package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/josephgoksu/rulegate/internal/logger"
)

var (
	// cfgFile is the path to the configuration file.
	cfgFile string
	// verbose enables verbose output.
	verbose bool
	// version is the application version, set at build time.
	version = "0.3.0"
)

// exitBlocked is the exit status of check when the action is blocked.
const exitBlocked = 2

// errBlocked signals a BLOCK verdict to Execute without printing an error.
var errBlocked = errors.New("action blocked")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rulegate",
	Short: "rulegate - context-aware rule compliance gate",
	Long: `rulegate turns a project's policy document into a registry of rules and
checks every pending agent action against the rules that matter for it.

Critical rules whose checks fail block the action; advisory rules warn;
informational rules are shown. Every decision is written to an append-only,
hash-chained audit log, and maintenance analytics flag stale, ineffective or
conflicting rules for review.

Typical setup:
  rulegate init                 # write .rulegate/config.yaml and a starter policy.md
  rulegate rules reparse        # load the policy document
  rulegate check --tool Edit --target src/app.go`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.SetVersion(version)
		logger.SetCommand(cmd.CommandPath())
		return initConfig(cmd.Root().PersistentFlags())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLogs()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	_ = closeLogs()
	if errors.Is(err, errBlocked) {
		os.Exit(exitBlocked)
	}
	PrintError(userMessage(err), err)
	os.Exit(1)
}

// GetVersion returns the application version.
func GetVersion() string {
	return version
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .rulegate/config.yaml in the project root)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().Bool("json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "print only essential output")
	bindRootFlags(rootCmd.PersistentFlags())
}

// bindRootFlags binds the persistent flags to Viper. initConfig calls it
// again because viper.Reset drops bindings.
func bindRootFlags(flags *pflag.FlagSet) {
	for _, name := range []string{"config", "verbose", "json", "quiet"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
