// Package cli contains all business logic needed by the objrec command.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	configFlag = "config"
	imageFlag  = "image"
	debugFlag  = "debug"
)

var app = &cli.App{
	Name:            "objrec",
	Usage:           "annotate images on the event bus with the objects found in them",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "run the object recognition worker until interrupted",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     configFlag,
					Aliases:  []string{"c"},
					Required: true,
					Usage:    "load configuration from `FILE`",
				},
			},
			Action: ServeAction,
		},
		{
			Name:  "detect",
			Usage: "detect the objects in one image and print the recognition event",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    configFlag,
					Aliases: []string{"c"},
					Usage:   "load configuration from `FILE`",
				},
				&cli.StringFlag{
					Name:     imageFlag,
					Aliases:  []string{"i"},
					Required: true,
					Usage:    "image path or URL",
				},
			},
			Action: DetectAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
