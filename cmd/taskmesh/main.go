package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/logging"
)

var (
	version = "0.1.0"

	logLevelFlag  string
	logFormatFlag string

	simFlags      simulationConfig
	researchFlags researchConfig

	rootCmd = &cobra.Command{
		Use:           "taskmesh",
		Short:         "taskmesh - asynchronous sub-agent task orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run a load simulation on mock research workers and print statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			report, err := runSimulation(ctx, simFlags, newLogger())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	researchCmd = &cobra.Command{
		Use:   "research <prompt>",
		Short: "Research a single prompt with a model-backed worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			researchFlags.Prompt = strings.Join(args, " ")
			out, err := runResearch(ctx, researchFlags, newLogger())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of taskmesh",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text", "Log format (text, json)")

	simulateCmd.Flags().IntVarP(&simFlags.Tasks, "tasks", "n", 50, "Number of tasks to submit")
	simulateCmd.Flags().StringSliceVarP(&simFlags.Types, "types", "t", []string{"research", "analysis"}, "Worker types to register")
	simulateCmd.Flags().IntVarP(&simFlags.Workers, "workers", "w", 4, "Number of consumer goroutines")
	simulateCmd.Flags().IntVar(&simFlags.Rounds, "rounds", 2, "Model rounds a mock worker needs before answering")
	simulateCmd.Flags().IntVar(&simFlags.MaxRounds, "max-rounds", 3, "Round budget per task")
	simulateCmd.Flags().Float64Var(&simFlags.FailureRate, "failure-rate", 0, "Fraction of model calls failing with a transient error")
	simulateCmd.Flags().DurationVar(&simFlags.Latency, "latency", 5*time.Millisecond, "Simulated model latency per round")
	simulateCmd.Flags().DurationVar(&simFlags.Timeout, "timeout", time.Minute, "Overall simulation timeout")

	researchCmd.Flags().StringVarP(&researchFlags.Provider, "provider", "p", "anthropic", "Model provider (anthropic, openai, mock)")
	researchCmd.Flags().StringVarP(&researchFlags.Model, "model", "m", "", "Model id (provider default when empty)")
	researchCmd.Flags().IntVar(&researchFlags.MaxRounds, "max-rounds", 3, "Round budget")
	researchCmd.Flags().BoolVar(&researchFlags.Stream, "stream", false, "Use streaming generation")
	researchCmd.Flags().DurationVar(&researchFlags.Timeout, "timeout", 2*time.Minute, "Task timeout")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() logging.Logger {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(logLevelFlag)
	cfg.Format = logFormatFlag
	cfg.Output = os.Stderr
	cfg.Component = "cli"
	return logging.NewLogger(cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
