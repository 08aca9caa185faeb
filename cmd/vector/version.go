package main

import (
	"fmt"

	"github.com/alfredolopez80/vector/pkg/build"
	"github.com/urfave/cli/v2"
)

var versionCmd = &cli.Command{
	Name:      "version",
	Usage:     "Prints the version and exits",
	UsageText: "vector version",
	Flags: []cli.Flag{
		FlagVerbose,
	},
	Action: versionCommand,
}

func versionCommand(cctx *cli.Context) error {
	fmt.Printf("vector version %s\n", build.Version)
	return nil
}
