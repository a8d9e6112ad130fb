// Command tablemill is the mailbox-to-spreadsheet pipeline daemon.
//
// It polls configured mail accounts for PDF attachments, matches each
// document against the mapping rules, extracts and transforms its tables
// and writes spreadsheet artifacts, notifying on completion. A small
// HTTP API accepts manual submissions and status queries.
//
// Usage:
//
//	tablemill -config tablemill.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/tablemill/config"
	"github.com/hazyhaar/tablemill/extract"
	"github.com/hazyhaar/tablemill/httpapi"
	"github.com/hazyhaar/tablemill/mailpoll"
	"github.com/hazyhaar/tablemill/notify"
	"github.com/hazyhaar/tablemill/scheduler"
	"github.com/hazyhaar/tablemill/store"
	"github.com/hazyhaar/tablemill/transform"
	"github.com/hazyhaar/tablemill/xlsxout"
)

func main() {
	configPath := flag.String("config", "", "path to tablemill.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("tablemill: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Pipeline stages ---
	extractor := extract.New(extract.Config{
		MaxFileSize: cfg.Pipeline.MaxPDFSize,
		Logger:      logger,
	})
	transformer := transform.New(transform.Config{
		DroppedRowLimit: &cfg.Pipeline.DroppedRowsLimit,
		MaxRows:         cfg.Excel.MaxRows,
		MaxCols:         cfg.Excel.MaxCols,
		Logger:          logger,
	})
	writer := xlsxout.New(xlsxout.Config{
		DefaultSheet: cfg.Excel.SheetName,
		Logger:       logger,
	})

	sched := scheduler.New(st, extractor, transformer, writer, scheduler.Options{
		Workers:      cfg.Pipeline.MaxConcurrent,
		QueueSize:    cfg.Pipeline.QueueMaxSize,
		Timeout:      cfg.Pipeline.Timeout,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryBackoff: cfg.Pipeline.RetryBackoff,
		OutputDir:    cfg.ExcelOutputPath,
		Logger:       logger,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// --- Notification dispatcher ---
	dispatcher := notify.New(buildTransports(cfg, logger), notify.Options{Logger: logger})
	go dispatcher.Run(ctx, sched.Events())

	// --- Mailbox poller ---
	source := &mailpoll.IMAPSource{
		Timeout:      cfg.Mail.Timeout,
		MaxEmailSize: cfg.Mail.MaxEmailSize,
		Logger:       logger,
	}
	poller := mailpoll.New(st, source, sched, mailpoll.Options{
		Interval:      cfg.Mail.CheckInterval,
		MaxConcurrent: cfg.Mail.MaxConcurrentChecks,
		StorageDir:    cfg.PDFStoragePath,
		Logger:        logger,
	})
	go poller.Run(ctx)

	// --- Job-history retention sweep ---
	if cfg.JobRetentionDays > 0 {
		c := cron.New()
		retention := time.Duration(cfg.JobRetentionDays) * 24 * time.Hour
		_, err := c.AddFunc("@daily", func() {
			n, err := st.PurgeTerminalBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("retention sweep failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("retention sweep", "purged", n)
			}
		})
		if err != nil {
			return fmt.Errorf("retention schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	// --- HTTP façade ---
	api := httpapi.New(sched, cfg.PDFStoragePath, logger)
	srv := &http.Server{Addr: cfg.Listen, Handler: api.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("tablemill: listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("tablemill: shutting down")
	return nil
}

func buildTransports(cfg *config.Config, logger *slog.Logger) []notify.Transport {
	transports := []notify.Transport{&notify.LogTransport{Logger: logger}}
	if cfg.Notify.Desktop {
		transports = append(transports, &notify.CommandTransport{
			Command: cfg.Notify.DesktopCommand,
		})
	}
	if cfg.Notify.SMTPServer != "" && len(cfg.Notify.Recipients) > 0 {
		transports = append(transports, &notify.SMTPTransport{
			Host:     cfg.Notify.SMTPServer,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.FromEmail,
			To:       cfg.Notify.Recipients,
		})
	}
	return transports
}
