package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand returns the relay CLI: `relay serve` and `relay worker`.
func NewRootCommand() *cobra.Command {
	v := NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Presence gateway and durable message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a relay.yaml config file")
	root.PersistentFlags().String("env", "", "runtime environment (development, production)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("http-addr", "", "HTTP listen address")
	_ = v.BindPFlag("env", root.PersistentFlags().Lookup("env"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("http.addr", root.PersistentFlags().Lookup("http-addr"))

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the websocket gateway, the messaging API and the producer",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), v, configPath, ModeServe)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the durable queue consumers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), v, configPath, ModeWorker)
			},
		},
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, v *viper.Viper, configPath string, mode Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := LoadConfig(v, configPath)
	if err != nil {
		return err
	}
	log := NewLogger(os.Stdout, cfg.Log)

	a, err := New(ctx, cfg, log, mode)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
