package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// echoSettle is how long echo waits for the worker to print.
const echoSettle = 200 * time.Millisecond

var diagramCmd = &cobra.Command{
	Use:   "diagram PATTERN",
	Short: "Print the railroad diagram for PATTERN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			_, err := e.dispatcher.Diagram(ctx, e.request(args[0]))
			return err
		})
	},
}

var textCmd = &cobra.Command{
	Use:   "text PATTERN",
	Short: "Print a plain-text description of PATTERN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			_, err := e.dispatcher.Describe(ctx, e.request(args[0]))
			return err
		})
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo TEXT",
	Short: "Send TEXT to the worker and print what it logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			if err := e.dispatcher.Echo(ctx, e.request(args[0])); err != nil {
				return err
			}
			time.Sleep(echoSettle)
			s, ok := e.registry.Get(cliKey)
			if !ok {
				return nil
			}
			for _, line := range s.StderrTail() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(diagramCmd, textCmd, echoCmd)
}

func withEnv(ctx context.Context, run func(context.Context, *env) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	return run(ctx, e)
}
