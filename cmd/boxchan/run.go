package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mthorpe/boxchan/channel"
	"github.com/mthorpe/boxchan/secret"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var secretName string

	cmd := &cobra.Command{
		Use:   "run <command>...",
		Short: "Run a command in the sandbox console and print its output",
		Long: `Run a command over the sandbox console session and print its output.

With --secret, the named secret is injected through the console's stdin
handshake so it never appears on the command line or in the session
transcript; the command reads it from the BOXCHAN_SECRET environment
variable.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := opts.newChannel()
			if err != nil {
				return err
			}
			defer ch.Stop()

			command := strings.Join(args, " ")
			timeout := opts.cfg.CommandTimeout()

			var out string
			if secretName != "" {
				store, err := secretStore()
				if err != nil {
					return err
				}
				err = secret.WithSecret(store, secretName, func(sec []byte) error {
					var runErr error
					out, runErr = ch.RunWithSecret(command, sec, timeout)
					return runErr
				})
				if err != nil {
					return err
				}
			} else {
				out, err = ch.Run(command, timeout)
				if err != nil {
					return err
				}
			}

			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secretName, "secret", "", "secret name to inject via the stdin handshake")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send the configured shutdown command to the sandbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Instance.ShutdownCommand == "" {
				return errors.New("no shutdown command configured; set instance.shutdown_command in config.json")
			}
			ch, err := opts.newChannel()
			if err != nil {
				return err
			}
			// The shutdown command usually takes the console down with it,
			// so a dead stream or a missing completion marker means the
			// power-off landed.
			_, err = ch.Run(opts.cfg.Instance.ShutdownCommand, opts.cfg.ShutdownGrace())
			ch.Stop()
			if err != nil && !errors.Is(err, channel.ErrTimeout) && !errors.Is(err, channel.ErrClosed) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sandbox shutdown requested.")
			return nil
		},
	}
}

// secretStore resolves secrets from the environment first, then from the
// secrets file.
func secretStore() (secret.Store, error) {
	fs, err := secret.NewFileStore("")
	if err != nil {
		return nil, err
	}
	return secret.NewChainStore(secret.NewEnvStore("BOXCHAN_SECRET_"), fs), nil
}
