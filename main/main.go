// Command dkimctl signs and verifies messages with DKIM and manages signing
// keys.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/synqronlabs/raven-dkim/config"
)

func main() {
	app := newApp(os.Stdin, os.Stdout)
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp(stdin io.Reader, stdout io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "dkimctl"
	app.Usage = "DKIM signing and verification tool"
	app.Description = `dkimctl signs messages with DKIM-Signature headers, verifies the
signatures of received messages and generates signing keys together with
the DNS records publishing them.

Messages are read from the file given as argument, or from standard input.`
	app.Reader = stdin
	app.Writer = stdout
	app.ErrWriter = os.Stderr
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(c.App.ErrWriter, "dkimctl:", err)
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "read configuration from `FILE`",
			EnvVars: []string{"DKIMCTL_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: debug, info, warn or error",
		},
	}
	app.Commands = []*cli.Command{
		signCommand(),
		verifyCommand(),
		keygenCommand(),
		recordCommand(),
	}
	return app
}

// env is the state shared by all subcommands.
type env struct {
	conf   *config.Config
	logger *slog.Logger
}

func loadEnv(c *cli.Context) (*env, error) {
	conf := &config.Config{}
	if path := c.String("config"); path != "" {
		var err error
		if conf, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if level := c.String("log-level"); level != "" {
		conf.Log.Level = level
	}

	logger, err := conf.Log.Logger(c.App.ErrWriter)
	if err != nil {
		return nil, err
	}
	return &env{conf: conf, logger: logger}, nil
}
