// boxchan drives a command channel into an ephemeral web sandbox: it runs
// commands over the console session, issues paced searches and fetches
// through the sandbox's egress proxy, and manages the relay tunnel the
// proxy is reached through.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mthorpe/boxchan/channel"
	"github.com/mthorpe/boxchan/config"
	"github.com/mthorpe/boxchan/instance"
	"github.com/mthorpe/boxchan/logger"
	"github.com/mthorpe/boxchan/tunnel"
)

type rootOptions struct {
	configPath string
	debug      bool
	cfg        *config.Config
}

func (r *rootOptions) prepare() error {
	var (
		cfg *config.Config
		err error
	)
	if r.configPath != "" {
		cfg, err = config.LoadFrom(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.cfg = cfg

	if r.debug || cfg.Debug {
		logger.SetDebug(true)
	}
	return nil
}

// newChannel builds a channel over the configured console command. The
// channel launches lazily on first use.
func (r *rootOptions) newChannel() (*channel.Channel, error) {
	inst := r.cfg.Instance
	if inst.LaunchCommand == "" {
		return nil, fmt.Errorf("no launch command configured; set instance.launch_command in config.json")
	}
	return channel.New(channel.Options{
		Launcher:        instance.NewPTYLauncher(inst.LaunchCommand, inst.LaunchArgs...),
		ShutdownCommand: inst.ShutdownCommand,
		LaunchGrace:     r.cfg.LaunchGrace(),
		ShutdownGrace:   r.cfg.ShutdownGrace(),
		DefaultTimeout:  r.cfg.CommandTimeout(),
	}), nil
}

// newTunnelManager builds the relay manager from config.
func (r *rootOptions) newTunnelManager() *tunnel.Manager {
	t := r.cfg.Tunnel
	return tunnel.NewManager(tunnel.Config{
		LocalPort:    r.cfg.TunnelLocalPort(),
		RemoteHost:   t.RemoteHost,
		RemotePort:   t.RemotePort,
		RelayCommand: t.RelayCommand,
		RelayArgs:    t.RelayArgs,
	}, nil)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "boxchan",
		Short:         "Command channel into an ephemeral web sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.json (default: XDG config dir)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newSearchCmd(opts))
	rootCmd.AddCommand(newFetchCmd(opts))
	rootCmd.AddCommand(newTunnelCmd(opts))
	rootCmd.AddCommand(newStopCmd(opts))

	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		logger.Get().Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		logger.Close()
		os.Exit(1)
	}
}
