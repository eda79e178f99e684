package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"atbws/internal/logging"
	"atbws/internal/proto"
	"atbws/internal/server"
	"atbws/internal/server/netstat"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var keyEnv string
	var port uint16
	var info, debug, trace bool

	cmd := &cobra.Command{
		Use:   "atbws-server",
		Short: "Run the tunnel server inside a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := logging.Quiet
			switch {
			case trace:
				v = logging.Trace
			case debug:
				v = logging.VeryVerbose
			case info:
				v = logging.Verbose
			}
			log := logging.Init(v)
			return run(configPath, keyEnv, port, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", ".replit", "TOML config path")
	cmd.Flags().StringVarP(&keyEnv, "key", "k", "KEY", "env var holding the authentication secret")
	cmd.Flags().Uint16VarP(&port, "port", "p", 0, "workspace port to forward non-tunnel requests to")
	cmd.Flags().BoolVarP(&info, "", "v", false, "log more debug information to output")
	cmd.Flags().BoolVar(&debug, "verbose", false, "log even more debug information to output")
	cmd.Flags().BoolVar(&trace, "trace", false, "log an excessive amount of debug information to output")
	return cmd
}

func run(configPath, keyEnv string, flagPort uint16, log *slog.Logger) error {
	key := os.Getenv(keyEnv)
	if key == "" {
		return fmt.Errorf("environment variable %s is not set", keyEnv)
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		log.Warn("no usable config file, falling back to -p/auto-detect", "path", configPath, "err", err)
	}

	resolvedPort := resolveWorkspacePort(flagPort, cfg, log)

	proxy := server.NewProxy(resolvedPort, log)
	go func() {
		if err := proxy.ListenAndServe(); err != nil {
			log.Error("front-door proxy exited", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(proto.TunnelPath, func(w http.ResponseWriter, r *http.Request) {
		server.ServeTunnel(w, r, server.AuthKey(key), log)
	})

	tunnelAddr := fmt.Sprintf("0.0.0.0:%d", server.TunnelPort)
	log.Info("listening", "tunnel", tunnelAddr, "front_door", server.PublicPort)

	go waitForShutdown(log)

	return http.ListenAndServe(tunnelAddr, mux)
}

// resolveWorkspacePort builds the proxy's WorkspacePort resolver: an
// explicit -p flag wins, then the config file's [autobahn] port, then
// netstat auto-detection, resolved once per request rather than once
// at startup so newly-started user services are picked up.
func resolveWorkspacePort(flagPort uint16, cfg server.Config, log *slog.Logger) server.WorkspacePort {
	return func() (uint16, error) {
		if flagPort != 0 {
			return flagPort, nil
		}
		if cfg.Autobahn.Port != nil {
			return *cfg.Autobahn.Port, nil
		}
		return detectWorkspacePort(log)
	}
}

// detectWorkspacePort auto-detects the workspace's listening port: a
// single candidate auto-selects, but two or more candidates fail closed
// rather than guessing, requiring -p to disambiguate.
func detectWorkspacePort(log *slog.Logger) (uint16, error) {
	listeners, err := netstat.DetectListeners()
	if err != nil {
		return 0, fmt.Errorf("detect workspace port: %w", err)
	}

	candidates := make([]netstat.Listener, 0, len(listeners))
	for _, l := range listeners {
		if l.Port == server.PublicPort || l.Port == server.TunnelPort {
			continue
		}
		candidates = append(candidates, l)
	}

	switch len(candidates) {
	case 0:
		return 0, server.ErrNoWorkspacePort
	case 1:
		return candidates[0].Port, nil
	default:
		log.Warn("multiple candidate workspace listeners found, pass -p to disambiguate", "count", len(candidates))
		return 0, fmt.Errorf("%w: %d candidates found, pass -p", server.ErrNoWorkspacePort, len(candidates))
	}
}

// waitForShutdown implements the supplemented interactive shutdown
// prompt: Enter, then a y/N confirmation, terminates the process.
// Running non-interactively (stdin not a terminal, e.g. under a
// process supervisor) a plain EOF on stdin is treated the same as a
// confirmed shutdown so the server doesn't wait forever on a closed pipe.
func waitForShutdown(log *slog.Logger) {
	reader := bufio.NewReader(os.Stdin)
	var once sync.Once
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			once.Do(func() {
				log.Info("stdin closed, shutting down")
				os.Exit(0)
			})
			return
		}
		if strings.TrimSpace(line) != "" {
			continue
		}

		fmt.Fprint(os.Stderr, "shut down server? [y/N] ")
		confirm, _ := reader.ReadString('\n')
		confirm = strings.ToLower(strings.TrimSpace(confirm))
		if confirm == "y" || confirm == "yes" {
			log.Info("shutdown confirmed")
			os.Exit(0)
		}
	}
}
