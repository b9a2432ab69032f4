package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/urfave/cli/v3"

	"github.com/Dyastin-0/lanshare/core"
	"github.com/Dyastin-0/lanshare/history"
	"github.com/Dyastin-0/lanshare/progress"
	"github.com/Dyastin-0/lanshare/styles"
	"github.com/Dyastin-0/lanshare/types"
)

var errNoPeers = errors.New("no peers are offering anything")

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "request a peer's offering and download it",
		ArgsUsage: "[peer] [file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Value:   filepath.Join(homeDir(), defaultDir),
			},
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "how long to listen for peers before choosing",
				Value:   3 * time.Second,
			},
		},
		Action: getAction,
	}
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	m, log, err := startNode(ctx, cmd, core.ModeManual)
	if err != nil {
		return err
	}
	defer m.Close()

	store, err := openHistory(cmd)
	if err != nil {
		log.WithErr(err).Warn("history disabled")
	} else {
		defer store.Close()
	}

	peer, fileName, err := choose(ctx, m, cmd.Args().Get(0), cmd.Args().Get(1), cmd.Duration("wait"))
	if err != nil {
		return err
	}

	var desc *types.TransferDescriptor
	err = spinner.New().
		Title(fmt.Sprintf("waiting for %s to approve %s...", peer, fileName)).
		Context(ctx).
		ActionWithErr(func(ctx context.Context) error {
			var err error
			desc, err = m.RequestFile(ctx, peer, fileName)
			return err
		}).
		Run()
	if err != nil {
		var de *core.DeclineError
		if errors.As(err, &de) {
			fmt.Println(styles.ERROR.Render(de.Reason))
		}
		return err
	}

	fmt.Println(styles.SUCCESS.Render(fmt.Sprintf("%s approved the request", peer)))

	bars := progress.New()
	transfers, stop := m.SubscribeTransfers()

	tracked := make(chan struct{})
	go func() {
		defer close(tracked)
		for s := range transfers {
			bars.Track(s)
		}
	}()

	started := time.Now()
	saved, err := m.Download(ctx, desc, cmd.String("dir"))

	stop()
	<-tracked
	bars.Wait()

	e := history.Entry{
		Filename:  desc.Filename,
		Peer:      peer,
		Direction: history.Download,
		Size:      desc.Size,
		Status:    types.StatusComplete,
		SavePath:  saved,
		StartedAt: started,
	}
	if err != nil {
		e.Status = types.StatusError
		e.Error = err.Error()
	}
	record(ctx, store, log, e)

	if err != nil {
		return err
	}

	fmt.Println(styles.SUCCESS.Render("saved to " + saved))
	return nil
}

// choose resolves the peer and file to request, prompting for whatever the
// arguments leave open.
func choose(ctx context.Context, m *core.NetworkManager, peerArg, fileArg string, wait time.Duration) (string, string, error) {
	if peerArg != "" && fileArg != "" {
		if ip := net.ParseIP(peerArg); ip != nil {
			return peerArg, fileArg, nil
		}
		if _, _, err := net.SplitHostPort(peerArg); err == nil {
			return peerArg, fileArg, nil
		}
	}

	peers, err := waitForPeers(ctx, m, wait)
	if err != nil {
		return "", "", err
	}

	if peerArg != "" {
		p, ok := findPeer(peers, peerArg)
		if !ok {
			return "", "", fmt.Errorf("peer %q not found", peerArg)
		}
		if fileArg != "" {
			return p.IP, fileArg, nil
		}
		if p.Offering == nil {
			return "", "", fmt.Errorf("%s is not offering anything", p.DisplayName)
		}
		return p.IP, p.Offering.Filename, nil
	}

	offering := withOfferings(peers)
	if len(offering) == 0 {
		return "", "", errNoPeers
	}

	options := make([]huh.Option[string], 0, len(offering))
	for _, p := range offering {
		options = append(options, huh.NewOption(styles.Peer(p), p.IP))
	}

	var ip string
	err = huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(styles.TITLE.Render("Pick an offering")).
			Options(options...).
			Value(&ip),
	)).RunWithContext(ctx)
	if err != nil {
		return "", "", err
	}

	p, _ := findPeer(offering, ip)
	return p.IP, p.Offering.Filename, nil
}

func waitForPeers(ctx context.Context, m *core.NetworkManager, wait time.Duration) ([]types.Peer, error) {
	if wait <= 0 {
		return m.Peers(), nil
	}

	err := spinner.New().
		Title(styles.INFO.Render("looking for peers...")).
		Context(ctx).
		ActionWithErr(func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				return nil
			}
		}).
		Run()
	if err != nil {
		return nil, err
	}

	return m.Peers(), nil
}

// findPeer matches query against peer IPs, then display names.
func findPeer(peers []types.Peer, query string) (types.Peer, bool) {
	for _, p := range peers {
		if p.IP == query {
			return p, true
		}
	}
	for _, p := range peers {
		if strings.EqualFold(p.DisplayName, query) {
			return p, true
		}
	}
	return types.Peer{}, false
}

func withOfferings(peers []types.Peer) []types.Peer {
	var out []types.Peer
	for _, p := range peers {
		if p.Offering != nil {
			out = append(out, p)
		}
	}
	return out
}
