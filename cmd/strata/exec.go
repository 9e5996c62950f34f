package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chazu/strata/server"
)

func init() {
	rootCmd.AddCommand(newExecCmd())
}

func newExecCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Send a console command to a running engine",
		Long: `The exec command sends one console command to an engine started with
"strata serve" over gRPC and prints its output.

Example:
  strata exec OBJ LIST
  strata exec --addr host:7077 SNAPSHOTMEMORY before-boss`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), addr, timeout, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Console address (default: [console] addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func runExec(ctx context.Context, addr string, timeout time.Duration, command string) error {
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Console.Addr
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := server.ExecRemote(ctx, conn, command)
	if err != nil {
		return err
	}
	printInfo("%s", out)
	return nil
}
