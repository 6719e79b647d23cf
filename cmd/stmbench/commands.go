package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kolkov/orecstm/stm"
)

var configPath string

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "TOML config file (default $STM_CONFIG)")
}

func newRunCommand() *cobra.Command {
	opts := defaultOptions()
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload and report throughput, aborts and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := stm.LoadConfig(configPath)
			if err != nil {
				return err
			}
			// The config file wins over flag defaults; explicit flags win
			// over both.
			fs := cmd.Flags()
			if !fs.Changed("algorithm") {
				opts.Algorithm = cfg.Algorithm
			}
			if !fs.Changed("orec-bits") {
				opts.OrecBits = cfg.OrecTableBits
			}
			if !fs.Changed("orec-hash") {
				opts.OrecHash = cfg.OrecHash
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				reg := prometheus.NewRegistry()
				opts.RuntimeOptions = append(opts.RuntimeOptions, stm.WithRegisterer(reg))
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics server stopped", zap.Error(err))
					}
				}()
				defer srv.Close()
			}
			res, err := Run(cmd.Context(), *cfg, opts)
			if err != nil {
				return err
			}
			res.Print(cmd.OutOrStdout())
			return res.CheckErr
		},
	}

	fs := cmd.Flags()
	addConfigFlag(fs)
	fs.StringVarP(&opts.Algorithm, "algorithm", "a", opts.Algorithm, "algorithm to run")
	fs.StringVarP(&opts.Workload, "workload", "w", opts.Workload, "workload: counter, bank, disjoint")
	fs.IntVarP(&opts.Threads, "threads", "t", opts.Threads, "concurrent worker threads")
	fs.DurationVarP(&opts.Duration, "duration", "d", opts.Duration, "run time when --ops is 0")
	fs.IntVar(&opts.Ops, "ops", opts.Ops, "operations per thread (0: run for --duration)")
	fs.IntVar(&opts.Words, "words", opts.Words, "shared words (accounts for bank)")
	fs.Float64Var(&opts.Target, "target", opts.Target, "operations per second per thread (0: unlimited)")
	fs.UintVar(&opts.OrecBits, "orec-bits", opts.OrecBits, "log2 of the orec table size")
	fs.StringVar(&opts.OrecHash, "orec-hash", opts.OrecHash, "orec hash: fibonacci, farm")
	fs.StringVar(&opts.TableSize, "table-size", "", "orec table memory budget, e.g. 4MiB (overrides --orec-bits)")
	fs.Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	fs.BoolVar(&opts.Trace, "trace", false, "sample abort sites and print the hottest")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	return cmd
}

func newAlgorithmsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "List available algorithms",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			def := stm.GetInfo().DefaultAlgorithm
			for _, name := range stm.Algorithms() {
				mark := " "
				if name == def {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, name)
			}
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := stm.LoadConfig(configPath)
			if err != nil {
				return err
			}
			for _, w := range cfg.WarningMsgs {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	addConfigFlag(cmd.Flags())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := stm.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "stmbench version %s (config schema %s)\n",
				info.Version, info.SchemaVersion)
		},
	}
}
