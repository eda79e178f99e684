package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"atbws/internal/client"
	"atbws/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var key string
	var info, debug, trace bool

	root := &cobra.Command{
		Use:   "atbws [@]user/name",
		Short: "Tunnel a shell or port into a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, args, key, verbosity(info, debug, trace))
		},
	}
	root.PersistentFlags().StringVarP(&key, "key", "k", "", "authentication key (prompted for if omitted)")
	root.PersistentFlags().BoolVarP(&info, "", "v", false, "log more debug information to output")
	root.PersistentFlags().BoolVar(&debug, "verbose", false, "log even more debug information to output")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "log an excessive amount of debug information to output")

	root.AddCommand(newShellCommand(&key, &info, &debug, &trace))
	root.AddCommand(newPortfwdCommand(&key, &info, &debug, &trace))

	return root
}

// verbosity maps the three independent verbosity flags onto a level,
// with trace taking precedence over verbose taking precedence over v.
func verbosity(info, debug, trace bool) logging.Verbosity {
	switch {
	case trace:
		return logging.Trace
	case debug:
		return logging.VeryVerbose
	case info:
		return logging.Verbose
	default:
		return logging.Quiet
	}
}

func newShellCommand(key *string, info, debug, trace *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "shell [@]user/name",
		Short: "Open an interactive shell session (default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, args, *key, verbosity(*info, *debug, *trace))
		},
	}
}

func newPortfwdCommand(key *string, info, debug, trace *bool) *cobra.Command {
	var remotePort uint16
	var localPort uint16

	cmd := &cobra.Command{
		Use:   "portfwd [@]user/name",
		Short: "Forward a local TCP port into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortfwd(cmd, args, *key, remotePort, localPort, verbosity(*info, *debug, *trace))
		},
	}
	cmd.Flags().Uint16VarP(&remotePort, "remote", "r", 0, "remote port inside the workspace")
	cmd.Flags().Uint16VarP(&localPort, "local", "l", client.DefaultLocalPort, "local port to bind")
	cmd.MarkFlagRequired("remote")
	return cmd
}

func runShell(cmd *cobra.Command, args []string, key string, v logging.Verbosity) error {
	log := logging.Init(v)

	repl, err := client.ParseRepl(args[0])
	if err != nil {
		return err
	}
	key, err = resolveKey(key)
	if err != nil {
		return err
	}

	settings := client.Settings{Repl: repl, Key: key, Connection: client.Connection{Shell: true}}

	ctx := context.Background()
	tunnel, err := client.Dial(ctx, repl.Host(), settings, log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	_, err = client.RunShell(ctx, tunnel, log)
	return err
}

func runPortfwd(cmd *cobra.Command, args []string, key string, remotePort, localPort uint16, v logging.Verbosity) error {
	log := logging.Init(v)

	repl, err := client.ParseRepl(args[0])
	if err != nil {
		return err
	}
	key, err = resolveKey(key)
	if err != nil {
		return err
	}

	settings := client.Settings{
		Repl:       repl,
		Key:        key,
		Connection: client.Connection{Port: remotePort},
	}

	return client.RunPortfwd(context.Background(), repl.Host(), settings, localPort, log)
}

// resolveKey prompts for the key on stdin when -k wasn't given.
func resolveKey(key string) (string, error) {
	if key != "" {
		return key, nil
	}
	fmt.Fprint(os.Stderr, "key: ")
	var entered string
	if _, err := fmt.Scanln(&entered); err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return entered, nil
}
