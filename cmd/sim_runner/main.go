package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/miretskiy/flashsim/internal/config"
	"github.com/miretskiy/flashsim/internal/logger"
	"github.com/miretskiy/flashsim/internal/report"
	"github.com/miretskiy/flashsim/simulator"
)

var (
	cfgFile    string
	writes     int
	policyName string
	workload   string
	seed       int64
	format     string
	outputFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sim_runner",
	Short: "Run a flash GC simulation and print write amplification",
	Long: `sim_runner drives one GC policy over a simulated SSD with a synthetic
host workload and reports write amplification, GC activity and wear.

Configuration comes from --config (YAML, JSON or TOML), FLASHSIM_* environment
variables, and the flags below, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSimulation,
}

var waCmd = &cobra.Command{
	Use:   "wa <weight>...",
	Short: "Compute the analytic optimal WA for per-group write weights",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFormula,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging and per-epoch events on stderr")

	rootCmd.Flags().IntVar(&writes, "writes", 0, "host writes to issue (0 = 10x the logical page count)")
	rootCmd.Flags().StringVar(&policyName, "policy", "", "override the GC policy (greedy, gen, dte, 2a, tt, optimal, wl)")
	rootCmd.Flags().StringVar(&workload, "workload", "", "override the workload (sequential, uniform, zipf, hotcold)")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "override the random seed (0 keeps the configured seed)")
	rootCmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, json, yaml)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write results to a file instead of stdout")

	waCmd.Flags().Float64("fill", 0.8, "fill factor in (0, 1)")
	rootCmd.AddCommand(waCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *simulator.SimError
		if errors.As(err, &se) && len(se.Diagnostics) > 0 && verbose {
			fmt.Fprintln(os.Stderr, se.Dump())
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.Simulation
	if policyName != "" {
		if sc.Policy, err = simulator.ParsePolicyKind(policyName); err != nil {
			return err
		}
	}
	if workload != "" {
		if sc.Workload.Kind, err = simulator.ParseWorkloadKind(workload); err != nil {
			return err
		}
	}
	if seed != 0 {
		sc.RandomSeed = seed
	}
	outFormat, err := report.ParseFormat(format)
	if err != nil {
		return err
	}

	sim, err := simulator.NewSimulator(sc)
	if err != nil {
		return err
	}
	if verbose {
		sim.LogEvent = func(msg string) {
			fmt.Fprintf(os.Stderr, "[SIM] %s\n", msg)
		}
	}

	total := writes
	if total <= 0 {
		total = 10 * sim.Device().LogicalPages()
	}
	runID := uuid.NewString()
	logger.Info("starting simulation", "run", runID, "policy", sim.Policy().Name(), "writes", total)

	start := time.Now()
	runErr := sim.Run(total)
	sim.Snapshot()
	logger.Info("simulation finished", "run", runID, "elapsed", time.Since(start).String())

	var w io.Writer = cmd.OutOrStdout()
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := report.Write(w, outFormat, &report.Result{RunID: runID, Config: sc, Metrics: sim.Metrics()}); err != nil {
		return err
	}
	return runErr
}

func runFormula(cmd *cobra.Command, args []string) error {
	fill, err := cmd.Flags().GetFloat64("fill")
	if err != nil {
		return err
	}
	if fill <= 0 || fill >= 1 {
		return fmt.Errorf("fill %g must be in (0, 1)", fill)
	}
	weights := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("weight %q must be a positive number", a)
		}
		weights[i] = v
	}

	shares, wa := simulator.OptimalWA(fill, weights)
	parts := make([]string, len(shares))
	for i, s := range shares {
		parts[i] = strconv.FormatFloat(s, 'f', 4, 64)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "optimal WA:   %.4f\n", wa)
	fmt.Fprintf(out, "greedy WA:    %.4f\n", simulator.GreedyApproxWA(fill))
	fmt.Fprintf(out, "spare shares: %s\n", strings.Join(parts, " "))
	return nil
}
