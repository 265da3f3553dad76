// Command receiver runs the image receiver: a C-STORE SCP that spools
// incoming objects to disk and a relay endpoint that streams each stored
// object to worker processes subscribed to the matching
// calledAE\study\series topic.
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
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/relay"
	"github.com/caio-sobreiro/dicomtransfer/server"
	"github.com/caio-sobreiro/dicomtransfer/services"
)

func main() {
	app := &cli.App{
		Name:  "receiver",
		Usage: "run the DICOM image receiver and relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Value:   ":11112",
				Usage:   "address for the DICOM listener",
				EnvVars: []string{"DICOMTRANSFER_RECEIVER_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "relay-listen",
				Value:   ":11180",
				Usage:   "address for the relay listener",
				EnvVars: []string{"DICOMTRANSFER_RELAY_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "ae",
				Value:   "RECEIVER",
				Usage:   "AE title of the receiver",
				EnvVars: []string{"DICOMTRANSFER_RECEIVER_AE"},
			},
			&cli.StringFlag{
				Name:    "spool",
				Value:   "spool",
				Usage:   "directory for received objects",
				EnvVars: []string{"DICOMTRANSFER_SPOOL_DIR"},
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

	spool := cctx.String("spool")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Late subscribers get already-spooled objects replayed: a MOVE
	// sub-operation may arrive before the requesting worker subscribes.
	var relaySrv *relay.Server
	relaySrv = relay.NewServer(
		relay.WithLogger(logger),
		relay.WithSubscribeCallback(func(topic string) {
			services.ReplaySpooled(spool, relaySrv, logger)(topic)
		}))

	registry := services.NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(dimse.CStoreRQ, services.NewStoreService(spool,
		services.WithStoreLogger(logger),
		services.WithPublisher(relaySrv)))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return relaySrv.ListenAndServe(ctx, cctx.String("relay-listen"))
	})
	group.Go(func() error {
		return server.ListenAndServe(ctx, cctx.String("listen"), cctx.String("ae"),
			registry, server.WithLogger(logger))
	})

	logger.Info("Receiver started",
		"ae_title", cctx.String("ae"),
		"dicom_listen", cctx.String("listen"),
		"relay_listen", cctx.String("relay-listen"),
		"spool", spool)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Receiver stopped")
	return nil
}
