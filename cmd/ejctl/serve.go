package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ej-framework/ej/internal/config"
	"github.com/ej-framework/ej/internal/dashboard"
	"github.com/ej-framework/ej/internal/dispatcher"
	"github.com/ej-framework/ej/internal/httpapi"
	"github.com/ej-framework/ej/internal/localsocket"
	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/notify"
	"github.com/ej-framework/ej/internal/storage"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the dispatcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ejd.yaml", "path to the dispatcher daemon's YAML config")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	db, err := connectStore(cfg.Store)
	if err != nil {
		return err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return fmt.Errorf("serve: automigrate: %w", err)
	}
	st := storage.New(db)

	d := dispatcher.New(st, log, cfg.Broadcast(), cfg.JobTimeoutGrace)

	n := notify.New(cfg.Notify.SlackWebhookURL, cfg.Notify.DiscordWebhookURL, log)

	r := httpapi.New(d, st, log)
	dash, err := dashboard.New(st, r)
	if err != nil {
		return fmt.Errorf("serve: dashboard: %w", err)
	}

	d.OnJobUpdate = func(jobID, kind, status, commitHash string) {
		dash.Broker().PublishJob(jobID, kind, status, commitHash)
		if status == models.JobStatusSuccess || status == models.JobStatusFailed {
			outcome, err := d.Outcome(jobID)
			summary := ""
			if err == nil {
				summary = outcome.Summary
			}
			n.JobTerminal(jobID, status, summary)
		}
	}

	hk := dispatcher.NewHousekeeping(d, 2*cfg.PingInterval)
	if err := hk.Start(); err != nil {
		return fmt.Errorf("serve: housekeeping: %w", err)
	}
	defer hk.Stop()

	ls, err := localsocket.New(cfg.LocalSocket, d, st)
	if err != nil {
		return fmt.Errorf("serve: local socket: %w", err)
	}
	defer ls.Close()
	go func() {
		if err := ls.Serve(); err != nil {
			log.Error("local socket serve failed", "error", err)
		}
	}()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http serve failed", "error", err)
		}
	}()
	log.Info("ejd listening", "http_port", cfg.HTTPPort, "local_socket", cfg.LocalSocket)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("ejd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func connectStore(cfg config.StoreConfig) (*gorm.DB, error) {
	if cfg.Driver == "mysql" {
		return storage.Connect(cfg.Host, cfg.Port, cfg.Database)
	}
	return storage.ConnectSQLite(cfg.Path)
}
