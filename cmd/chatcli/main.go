package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "chatcli",
		Usage:   "Stream chat exchanges from the terminal",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Chat API base `URL`",
				Value:   "http://localhost:8080",
				EnvVars: []string{"CHAT_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token, when the server requires auth",
				EnvVars: []string{"CHAT_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "Give up on a stream silent for this long",
				Value: defaultIdle,
			},
		},
		Commands: []*cli.Command{
			sendCommand(),
			historyCommand(),
			abortCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
