// Package main implements stmbench, a workload driver for the STM runtime.
//
// Usage:
//
//	stmbench run --workload bank --threads 8 --duration 5s
//	stmbench run --algorithm CToken --target 10000 --workload counter
//	stmbench algorithms
//	stmbench config --config stm.toml
//	stmbench version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Fprintf(os.Stderr, "\nGot signal [%v] to exit.\n", sig)
		cancel()
		<-sc
		os.Exit(1)
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stmbench",
		Short:         "Benchmark driver for the orec STM runtime",
		SilenceUsage:  true,
	}
	root.AddCommand(
		newRunCommand(),
		newAlgorithmsCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}
