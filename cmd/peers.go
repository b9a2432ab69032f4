package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/Dyastin-0/lanshare/core"
	"github.com/Dyastin-0/lanshare/styles"
)

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list peers seen on the network",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Value:   3 * time.Second,
			},
		},
		Action: peersAction,
	}
}

func peersAction(ctx context.Context, cmd *cli.Command) error {
	m, _, err := startNode(ctx, cmd, core.ModeManual)
	if err != nil {
		return err
	}
	defer m.Close()

	peers, err := waitForPeers(ctx, m, cmd.Duration("wait"))
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println(styles.INFO.Render("no peers found"))
		return nil
	}

	fmt.Println(styles.TITLE.Render(fmt.Sprintf("%d peers", len(peers))))
	for _, p := range peers {
		fmt.Printf("%s  %s\n", styles.Peer(p), styles.INFO.Render("seen "+humanize.Time(p.LastSeen)))
	}

	return nil
}
