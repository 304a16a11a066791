package main

import (
	"context"

	"github.com/urfave/cli"

	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/config"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/logging"
)

// PrestartCommand builds every challenge image found under the challenge
// directory, the startup bootstrap the Python source ran as
// `flask prestart` (app.py's @app.cli.command('prestart')).
var PrestartCommand = cli.Command{
	Name:   "prestart",
	Usage:  "build every challenge image",
	Action: prestartCommand,
}

func prestartCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	rt, err := dockerrt.New()
	if err != nil {
		return err
	}

	cat := catalog.New(rt, cfg.Tunables.ChallengeDir)
	failed, err := cat.LoadAll(context.Background())
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		logging.S().Warnw("some challenges failed to build", "challenges", failed)
	}
	logging.S().Infow("prestart complete", "built", cat.Count())
	return nil
}
