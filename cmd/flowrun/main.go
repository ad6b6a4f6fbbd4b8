package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blingmoon/flowrun/internal/api"
	"github.com/blingmoon/flowrun/internal/app"
	"github.com/blingmoon/flowrun/internal/config"
	"github.com/blingmoon/flowrun/internal/database"
	"github.com/blingmoon/flowrun/internal/logging"
	"github.com/blingmoon/flowrun/internal/seed"
	"github.com/blingmoon/flowrun/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "flowrun",
		Short:        "Workflow run engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./config.yaml)")
	root.AddCommand(
		newServeCmd(&configFile),
		newWorkerCmd(&configFile),
		newSeedCmd(&configFile),
	)
	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API; runs go to the queue or execute in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.New(ctx, cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			if rt.Consumer != nil && cfg.Queue.ConsumeInProcess {
				if err := rt.Consumer.Start(ctx); err != nil {
					_ = rt.Close(context.Background())
					return err
				}
			}

			var queuePing func(ctx context.Context) error
			if rt.Queue != nil {
				queuePing = rt.Queue.Ping
			}
			server := api.NewServer(api.NewHandler(rt.Service, queuePing, logger), logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http server listening", "addr", cfg.Server.Addr, "queued", rt.Queue != nil)
				if err := server.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.WithMessage(err, "http server")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				serverErr := server.Shutdown(shutdownCtx)
				// 先停止接收请求, 再等待进程内的运行结束
				closeErr := rt.Close(shutdownCtx)
				if serverErr != nil {
					return serverErr
				}
				return closeErr
			})
			return g.Wait()
		},
	}
}

func newWorkerCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.New(ctx, cfg, logger, app.Options{RequireQueue: true})
			if err != nil {
				return err
			}
			if err := rt.Consumer.Start(ctx); err != nil {
				_ = rt.Close(context.Background())
				return err
			}
			logger.Info("worker started", "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)

			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return rt.Close(shutdownCtx)
		},
	}
}

func newSeedCmd(configFile *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create workflows from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level)
			seedFile, err := seed.Load(file)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close(db) }()

			created, err := seed.Apply(cmd.Context(), workflow.NewWorkflowRepo(db), seedFile, logger)
			if err != nil {
				return err
			}
			logger.Info("seed finished", "created", created, "total", len(seedFile.Workflows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
