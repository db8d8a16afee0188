package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	config.Init(viper.GetViper())

	// Load config file if it exists
	if err := config.ReadConfigFile(viper.GetViper()); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
	}
}

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("command failed")

// tracingShutdown flushes spans once the command has finished.
var tracingShutdown func(context.Context) error

var rootCmd = &cobra.Command{
	Use:   "skillet",
	Short: "Manage and run text skills backed by a language model",
	Long: `Skillet keeps a library of skills, each a SKILL.md file with an instruction
template and a list of tools it may call, and runs them against a language-model
backend. Results are written out directly, used as a rewrite of the selected text,
or shown as a card depending on how the skill was invoked.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format")); err != nil {
			return err
		}
		if viper.GetBool("quiet") {
			presenter.SetQuiet(true)
		}

		shutdown, err := initTracing(cmd.Context())
		if err != nil {
			logger.G(cmd.Context()).WithError(err).Warn("failed to initialize tracing")
			return nil
		}
		tracingShutdown = shutdown
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	rootCmd.PersistentFlags().String("skills-dir", "", "Directory holding skill folders (overrides config)")
	rootCmd.PersistentFlags().String("metadata-file", "", "Path of the skill metadata file (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("provider", "", "Backend provider to use (http, openai or anthropic)")
	rootCmd.PersistentFlags().String("model", "", "Backend model to use (overrides config)")
	rootCmd.PersistentFlags().String("profile", "", "Backend profile to apply from the config file")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only print results and errors")

	viper.BindPFlag("skills_dir", rootCmd.PersistentFlags().Lookup("skills-dir"))
	viper.BindPFlag("metadata_file", rootCmd.PersistentFlags().Lookup("metadata-file"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("backend.provider", rootCmd.PersistentFlags().Lookup("provider"))
	viper.BindPFlag("backend.model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	rootCmd.AddCommand(withTracing(listCmd))
	rootCmd.AddCommand(withTracing(showCmd))
	rootCmd.AddCommand(withTracing(createCmd))
	rootCmd.AddCommand(withTracing(deleteCmd))
	rootCmd.AddCommand(withTracing(bindCmd))
	rootCmd.AddCommand(withTracing(unbindCmd))
	rootCmd.AddCommand(withTracing(invokeCmd))
	rootCmd.AddCommand(withTracing(migrateCmd))
	rootCmd.AddCommand(withTracing(serveCmd))
	rootCmd.AddCommand(versionCmd)

	ctx := context.Background()
	err := rootCmd.ExecuteContext(ctx)

	if tracingShutdown != nil {
		if shutdownErr := tracingShutdown(ctx); shutdownErr != nil {
			logger.G(ctx).WithError(shutdownErr).Warn("failed to shut down tracing")
		}
	}

	if err != nil {
		if !errors.Is(err, errReported) {
			presenter.Error(err, "")
		}
		os.Exit(1)
	}
}
