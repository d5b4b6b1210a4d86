package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

const (
	dbKey      = "db"
	verboseKey = "verbose"
)

func main() {
	cmd := &cli.Command{
		Name:  "livequery-repl",
		Usage: "Interactive shell over a live key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  dbKey,
				Usage: "SQLite file backing the store, in-memory only when empty",
			},
			&cli.BoolFlag{
				Name:  verboseKey,
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	sh, err := newShell(cmd.String(dbKey), cmd.Bool(verboseKey))
	if err != nil {
		return err
	}
	defer sh.close()
	return sh.run(ctx)
}
