package main

import (
	"os"

	"github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

// verbose logging is enabled for these subsystems when using the verbose or
// very-verbose flags
var verboseLoggingSubsystems = []string{
	"vector/main",
	"vector/engine",
	"vector/messaging",
	"vector/storage",
	"vector/chain",
	"vector/execution",
	"vector/metrics",
}

// FlagVerbose enables verbose mode, which shows info information about
// operations invoked in the CLI.
var FlagVerbose = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "enable verbose mode for logging",
	Action:  setLogLevel("INFO"),
}

// FlagVeryVerbose enables very verbose mode, which shows debug information
// about operations invoked in the CLI.
var FlagVeryVerbose = &cli.BoolFlag{
	Name:    "very-verbose",
	Aliases: []string{"vv"},
	Usage:   "enable very verbose mode for debugging",
	Action:  setLogLevel("DEBUG"),
}

// setLogLevel returns a CLI Action function that sets the
// logging level for the given subsystems to the given level.
// It is used as an action for the verbose and very-verbose flags.
func setLogLevel(level string) func(*cli.Context, bool) error {
	return func(cctx *cli.Context, _ bool) error {
		// don't override logging if set in the environment.
		if os.Getenv("GOLOG_LOG_LEVEL") != "" {
			return nil
		}
		// set the logging level for the given subsystems
		for _, name := range verboseLoggingSubsystems {
			_ = log.SetLogLevel(name, level)
		}
		return nil
	}
}

// FlagExposeMetrics exposes prometheus and pprof metrics over HTTP.
var FlagExposeMetrics = &cli.BoolFlag{
	Name:    "expose-metrics",
	Usage:   "expose metrics and pprof over http",
	EnvVars: []string{"VECTOR_EXPOSE_METRICS"},
}

// FlagMetricsPort is the port the metrics server listens on.
var FlagMetricsPort = &cli.UintFlag{
	Name:        "metrics-port",
	Usage:       "the port the metrics server listens on",
	Value:       0,
	DefaultText: "random",
	EnvVars:     []string{"VECTOR_METRICS_PORT"},
}

// FlagMetricsAddress is the address the metrics server binds to.
var FlagMetricsAddress = &cli.StringFlag{
	Name:        "metrics-address",
	Usage:       "the address the metrics server binds to",
	Value:       "127.0.0.1",
	DefaultText: "127.0.0.1",
	EnvVars:     []string{"VECTOR_METRICS_ADDRESS"},
}
