package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/ractf/challenge-broker/internal/api"
	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/config"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/logging"
	"github.com/ractf/challenge-broker/internal/store"
)

// ServeCommand starts the HTTP broker and both control loops, structured
// like the teacher's daemonCommand (pkg/cmd/daemon.go): a cancellable
// context that triggers a bounded graceful shutdown.
var ServeCommand = cli.Command{
	Name:  "serve",
	Usage: "start the broker HTTP server and background control loops",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":8080", Usage: "address to listen on"},
	},
	Action: serveCommand,
}

func serveCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.StateStore)
	if err != nil {
		return err
	}

	rt, err := dockerrt.New()
	if err != nil {
		return err
	}

	b := broker.New(cfg, st, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.S().Infow("bootstrapping catalog")
	if err := b.Bootstrap(ctx); err != nil {
		return err
	}

	go b.Loops.Run(ctx)

	srv := &http.Server{
		Addr:         c.String("listen"),
		Handler:      api.New(b, cfg.APIKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logging.S().Infow("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.S().Errorw("failed to shut down http server", "err", err)
		}
	}()

	logging.S().Infow("listening", "addr", srv.Addr)
	err = srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
