package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/intermail/internal/app"
	"github.com/mistakeknot/intermail/internal/cli"
	"github.com/mistakeknot/intermail/internal/config"
	httpapi "github.com/mistakeknot/intermail/internal/http"
	"github.com/mistakeknot/intermail/internal/logging"
	"github.com/mistakeknot/intermail/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "intermail",
		Short:         "Coordination service for agents sharing a codebase",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultFile, "path to the YAML config file")

	root.AddCommand(serveCmd(&cfgPath), initCmd(&cfgPath), reconcileCmd(&cfgPath), versionCmd())
	return root
}

func loadConfig(path string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, expiry sweeper and archive reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			lock, err := app.Lock(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(server.Config{
				Addr:       cfg.Server.Addr,
				SocketPath: cfg.Server.SocketPath,
				Handler:    httpapi.NewRouter(httpapi.NewService(a)),
				Logger:     log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.Start(ctx)
			log.Info().Str("version", version).Str("db", cfg.Storage.DBPath).
				Str("archive", cfg.Storage.Root).Msg("intermail started")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func initCmd(cfgPath *string) *cobra.Command {
	var opts cli.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and initialize the database and archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath = *cfgPath
			cfg, err := cli.Init(opts, logging.New(os.Stderr, "warn", logging.FormatConsole))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config:  %s\ndb:      %s\narchive: %s\n",
				opts.ConfigPath, cfg.Storage.DBPath, cfg.Storage.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Root, "root", "", "archive working tree")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "database file")
	cmd.Flags().StringVar(&opts.Layout, "layout", "", "archive layout: shared or per_project")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")
	return cmd
}

func reconcileCmd(cfgPath *string) *cobra.Command {
	var (
		grace   time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Archive every message the store holds but the archive lacks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			lock, err := app.Lock(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			n, err := a.Mailer.Reconcile(ctx, grace)
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d message(s)\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "only reconcile messages older than this")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
