package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newTunnelCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Manage the relay tunnel to the sandbox proxy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Start the relay tunnel (or adopt a verified existing one)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := opts.newTunnelManager()
			if err := mgr.EnsureRunning(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Relay %s (pid %d) on port %d\n",
				mgr.Status(), mgr.Pid(), opts.cfg.TunnelLocalPort())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Stop the relay tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := opts.newTunnelManager().TakeDown(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Relay stopped.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a relay owns the local port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := opts.newTunnelManager()
			status, pid, err := mgr.Probe(ctx)
			if err != nil {
				return err
			}
			if pid != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (pid %d) on port %d\n",
					status, pid, opts.cfg.TunnelLocalPort())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s on port %d\n",
					status, opts.cfg.TunnelLocalPort())
			}
			return nil
		},
	})

	return cmd
}
