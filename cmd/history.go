package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/Dyastin-0/lanshare/history"
	"github.com/Dyastin-0/lanshare/styles"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show recent transfers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
			},
		},
		Action: historyAction,
	}
}

func historyAction(ctx context.Context, cmd *cli.Command) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if len(entries) == 0 {
		fmt.Fprintln(w, styles.INFO.Render("no transfers yet"))
		return nil
	}

	for _, e := range entries {
		fmt.Fprintln(w, formatEntry(e))
	}

	return nil
}

func formatEntry(e history.Entry) string {
	arrow := "<-"
	if e.Direction == history.Upload {
		arrow = "->"
	}

	line := fmt.Sprintf("%s %s %s %s (%s) %s",
		styles.INFO.Render(humanize.Time(e.FinishedAt)),
		arrow,
		e.Peer,
		e.Filename,
		humanize.IBytes(uint64(e.Size)),
		styles.Status(e.Status),
	)
	if e.Error != "" {
		line += " " + styles.ERROR.Render(e.Error)
	}
	return line
}
