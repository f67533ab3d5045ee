// flowtrace instruments Go programs that call LLMs and records which
// model outputs influenced which later model inputs.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"flowtrace/internal/config"
	"flowtrace/internal/graph"
	"flowtrace/internal/logging"
	"flowtrace/internal/runner"
)

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flowtrace",
	Short: "flowtrace - provenance tracking for LLM-calling programs",
	Long: `flowtrace rewrites a Go program so that values carry provenance,
runs it, and emits a call graph showing which model outputs flowed into
which later model inputs.

The program itself is unchanged in behavior: instrumentation only adds
bookkeeping around bindings, element accesses, operations, and calls.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite [dir]",
	Short: "Instrument a package and print the rewritten source",
	Long: `Rewrites the Go files of a directory so primitive operations carry
provenance, and prints the result. The pass is idempotent: rewritten
files pass through unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := runner.New(cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		prog, err := eng.Instrument(args[0])
		if err != nil {
			return err
		}

		names := make([]string, 0, len(prog.Files))
		for name := range prog.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "// ---- %s ----\n", name)
			cmd.OutOrStdout().Write(prog.Files[name])
		}
		for _, name := range prog.Excluded {
			logger.Warn("file excluded from instrumentation", zap.String("file", name))
		}
		return nil
	},
}

var graphOut string

var runCmd = &cobra.Command{
	Use:   "run [dir] [entry]",
	Short: "Run an instrumented program and emit its provenance graph",
	Long: `Instruments the package in [dir], executes the niladic function
[entry] under the interpreter, and writes the observed provenance graph
as JSON.

Example:
  flowtrace run ./pipeline Main --out graph.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := runner.New(cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		obs, err := eng.Run(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if graphOut != "" {
			f, err := os.Create(graphOut)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", graphOut, err)
			}
			defer f.Close()
			out = f
		}
		if err := graph.EncodeSnapshot(out, obs); err != nil {
			return err
		}
		logger.Info("run complete", zap.Int("observations", len(obs)))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "flowtrace.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringVar(&graphOut, "out", "", "write the graph JSON to a file instead of stdout")

	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
