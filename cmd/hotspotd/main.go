// hotspotd turns the mobile-data hotspot on when Wi-Fi connects and off
// when it disconnects. `hotspotd daemon` does the work; the other
// commands talk to it over a unix socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mil-ad/hotspotd/internal/config"
	"github.com/mil-ad/hotspotd/internal/daemon"
	"github.com/spf13/cobra"
)

// version is set by ldflags at build time.
var version = "dev"

var (
	flagConfig string
	flagSocket string
	flagStart  bool
)

func socket() (string, error) {
	if flagSocket != "" {
		return flagSocket, nil
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return "", err
	}
	return cfg.Socket, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func sendCommand(command string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sock, err := socket()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		resp, err := daemon.Call(ctx, sock, daemon.Request{Command: command})
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(resp)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hotspotd",
		Short:         "Toggle the mobile hotspot when Wi-Fi comes and goes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $XDG_CONFIG_HOME/hotspotd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket (default from config)")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Wi-Fi monitor daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return daemon.Run(ctx, daemon.Options{ConfigPath: flagConfig, Start: flagStart})
		},
	}
	daemonCmd.Flags().BoolVar(&flagStart, "start", false, "start monitoring immediately if authorized")

	rootCmd.AddCommand(
		daemonCmd,
		&cobra.Command{
			Use:   "status",
			Short: "Show whether monitoring is on and whether it is authorized",
			Args:  cobra.NoArgs,
			RunE:  sendCommand(daemon.CmdStatus),
		},
		&cobra.Command{
			Use:   "on",
			Short: "Start monitoring Wi-Fi",
			Args:  cobra.NoArgs,
			RunE:  sendCommand(daemon.CmdStart),
		},
		&cobra.Command{
			Use:   "off",
			Short: "Stop monitoring Wi-Fi",
			Args:  cobra.NoArgs,
			RunE:  sendCommand(daemon.CmdStop),
		},
		&cobra.Command{
			Use:   "toggle",
			Short: "Flip monitoring on or off",
			Args:  cobra.NoArgs,
			RunE:  sendCommand(daemon.CmdToggle),
		},
		&cobra.Command{
			Use:   "authorize",
			Short: "Ask for permission to change system network settings",
			Args:  cobra.NoArgs,
			RunE:  sendCommand(daemon.CmdAuthorize),
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Print the state now and on every change",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sock, err := socket()
				if err != nil {
					return err
				}
				ctx, cancel := signalContext()
				defer cancel()
				enc := json.NewEncoder(os.Stdout)
				return daemon.Watch(ctx, sock, func(r daemon.Response) {
					enc.Encode(r)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
