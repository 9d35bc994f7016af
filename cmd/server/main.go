package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:  "approval-routing",
		Usage: "Approval routing engine: rule evaluation, line validation and approval workflow",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			evalCommand(),
			checkRulesCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "approval-routing: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and gRPC servers",
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServer(ctx)
		},
	}
}
