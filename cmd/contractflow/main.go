// Command contractflow runs the contract lifecycle engine: the HTTP API, the
// expiration sweeper and the outbox relay, plus one-shot maintenance commands.
//
// Usage:
//
//	contractflow [--config path] <command> [options]
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:           "contractflow",
		Usage:          "Contract lifecycle engine",
		Version:        version,
		Writer:         out,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"CONTRACTFLOW_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			sweepCommand(),
			alertsCommand(),
			verifyCommand(),
			tokenCommand(),
		},
	}
}

// exitErrHandler keeps the exit code of cli.Exit errors and prints anything
// else before exiting with 1.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
