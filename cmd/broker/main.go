// Command broker is the challenge-instance broker's entrypoint: a
// long-running HTTP server plus one-shot bootstrap and maintenance
// commands, structured like the teacher's root main.go + cmd/*.go
// (urfave/cli v1, package-level cli.Command values, app.Before wiring
// logging from -v/-vv/LOG_LEVEL).
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
	"go.uber.org/zap/zapcore"

	"github.com/ractf/challenge-broker/internal/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "broker"
	app.Usage = "challenge-instance broker"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "v", Usage: "verbose logging"},
		cli.BoolFlag{Name: "vv", Usage: "debug logging"},
	}
	app.Commands = []cli.Command{
		ServeCommand,
		PrestartCommand,
		ResetCommand,
	}
	app.HideVersion = true
	app.Before = func(c *cli.Context) error {
		configureLogging(c)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configureLogging(c *cli.Context) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			panic(err)
		}
		logging.SetLevel(l)
		return
	}

	switch {
	case c.GlobalBool("vv"):
		logging.SetLevel(zapcore.DebugLevel)
	case c.GlobalBool("v"):
		logging.SetLevel(zapcore.InfoLevel)
	default:
		// Level stays at its default (INFO).
	}
}
