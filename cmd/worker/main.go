// Command worker runs the transfer task worker: it claims queued tasks from
// the database, retrieves the requested studies from their source nodes and
// delivers them to the destination folders.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/caio-sobreiro/dicomtransfer/config"
	"github.com/caio-sobreiro/dicomtransfer/executor"
	"github.com/caio-sobreiro/dicomtransfer/store"
	"github.com/caio-sobreiro/dicomtransfer/worker"
)

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "run the DICOM transfer task worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the TOML settings file",
				EnvVars: []string{"DICOMTRANSFER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Value:   "dicomtransfer.db",
				Usage:   "path to the SQLite database",
				EnvVars: []string{"DICOMTRANSFER_DB"},
			},
			&cli.StringFlag{
				Name:    "work-dir",
				Usage:   "scratch directory for in-flight downloads (default: system temp)",
				EnvVars: []string{"DICOMTRANSFER_WORK_DIR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	level := slog.LevelInfo
	if cctx.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	settings := config.Default()
	if path := cctx.String("config"); path != "" {
		var err error
		if settings, err = config.Load(path); err != nil {
			return err
		}
		logger.Info("Loaded settings", "path", path)
	}

	db, err := store.Open(cctx.String("db"))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exOpts := []executor.Option{executor.WithLogger(logger)}
	if dir := cctx.String("work-dir"); dir != "" {
		exOpts = append(exOpts, executor.WithWorkRoot(dir))
	}

	w := worker.New(db, settings, worker.NewProcessLocker(), worker.WithLogger(logger))
	w.Register(executor.New(db, settings, exOpts...))

	logger.Info("Worker starting",
		"db", cctx.String("db"),
		"worker_count", settings.WorkerCount)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Worker stopped")
	return nil
}
