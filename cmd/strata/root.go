package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/strata/manifest"
)

var (
	// Global flags
	configDir string
	verbosity int
	logFile   string
	quiet     bool
	jsonOut   bool

	// stdout is where command output goes; tests replace it.
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Run and inspect script packages on the strata engine core",
	Long: `strata loads compiled script packages into the VM on top of the
configured allocator stack, serves a remote console, and inspects the .mprof
streams recorded by the memory profiler.

Configuration is read from engine.toml, found by walking up from --config
(default: the current directory).`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLog(verbosity, logFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "C", ".", "Directory to search for engine.toml")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig finds engine.toml from --config, falling back to defaults.
// Log settings from the file apply unless given on the command line.
func loadConfig() (*manifest.Config, error) {
	cfg, err := manifest.FindAndLoad(configDir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
		cfg.Dir = configDir
		return cfg, nil
	}
	if verbosity == 0 && logFile == "" && (cfg.Log.Verbosity != 0 || cfg.Log.File != "") {
		configureLog(cfg.Log.Verbosity, cfg.Log.File)
	}
	return cfg, nil
}

// configureLog sends logs to path, or to stderr when path is empty.
func configureLog(verbosity int, path string) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
