package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mthorpe/boxchan/channel"
	"github.com/mthorpe/boxchan/search"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var engineName string

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search the web through the sandbox and print results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := newSearchClient(opts)
			if err != nil {
				return err
			}
			defer ch.Stop()

			name := engineName
			if name == "" {
				name = opts.cfg.Search.DefaultEngine
			}
			if name == "" {
				name = "ddg-lite"
			}

			results, err := client.Search(name, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results.")
				return nil
			}
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r.URL)
				if r.Excerpt != "" {
					fmt.Fprintln(cmd.OutOrStdout(), r.Excerpt)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&engineName, "engine", "", "search engine name (default: config or ddg-lite)")
	return cmd
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the sandbox and print the page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ch, err := newSearchClient(opts)
			if err != nil {
				return err
			}
			defer ch.Stop()

			body, err := client.Fetch(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
}

// newSearchClient wires the search client: relay tunnel up if one is
// configured, channel into the sandbox, engine catalog, pacing from
// config. The relay is left running on exit so the next invocation can
// adopt it.
func newSearchClient(opts *rootOptions) (*search.Client, *channel.Channel, error) {
	if opts.cfg.Tunnel.RemoteHost != "" || len(opts.cfg.Tunnel.RelayArgs) > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := opts.newTunnelManager().EnsureRunning(ctx)
		stop()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bring up relay tunnel: %w", err)
		}
	}

	ch, err := opts.newChannel()
	if err != nil {
		return nil, nil, err
	}

	registry, err := search.LoadCatalog()
	if err != nil {
		ch.Stop()
		return nil, nil, err
	}

	client := search.NewClient(ch, registry, search.Options{
		MinSpacing:   opts.cfg.SearchSpacing(),
		RetryBackoff: opts.cfg.SearchBackoff(),
		Timeout:      opts.cfg.CommandTimeout(),
	})
	return client, ch, nil
}
