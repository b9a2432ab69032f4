package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/Dyastin-0/lanshare/core"
	"github.com/Dyastin-0/lanshare/history"
	"github.com/Dyastin-0/lanshare/logger"
	"github.com/Dyastin-0/lanshare/progress"
	"github.com/Dyastin-0/lanshare/styles"
	"github.com/Dyastin-0/lanshare/types"
)

func offerCommand() *cli.Command {
	return &cli.Command{
		Name:      "offer",
		Usage:     "offer a file or folder to peers until interrupted",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "auto",
				Aliases: []string{"y"},
				Usage:   "approve every request without asking",
			},
		},
		Action: offerAction,
	}
}

func offerAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return cli.Exit("missing path to offer", 1)
	}

	mode := core.ModeManual
	if cmd.Bool("auto") {
		mode = core.ModeAuto
	}

	m, log, err := startNode(ctx, cmd, mode)
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

	o, err := m.SetOffering(path)
	if err != nil {
		return err
	}

	fmt.Println(styles.TITLE.Render("offering ") + styles.Offering(*o))
	fmt.Println(styles.INFO.Render(fmt.Sprintf("%s is listening on %s, approval is %s",
		m.Config().DisplayName, m.ControlAddr(), m.SharingMode())))

	requests, stopRequests := m.SubscribeRequests()
	defer stopRequests()

	uploads, stopUploads := m.SubscribeUploads()
	defer stopUploads()

	go serveRequests(ctx, requests)
	go renderUploads(ctx, uploads, store, log)

	<-ctx.Done()
	fmt.Println(styles.INFO.Render("no longer offering " + filepath.Base(o.FilePath)))

	return nil
}

// serveRequests asks the user about each request in turn.
func serveRequests(ctx context.Context, requests <-chan *core.ApprovalRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			if askApproval(ctx, req) {
				req.Approve()
			} else {
				req.Deny()
			}
		}
	}
}

func askApproval(ctx context.Context, req *core.ApprovalRequest) bool {
	confirm := false

	title := styles.WARNING.Render(fmt.Sprintf("%s wants %s (%s). Send it?",
		req.Peer, req.FileName, humanize.IBytes(uint64(req.Size))))

	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&confirm),
	)).RunWithContext(ctx)
	if err != nil {
		return false
	}

	select {
	case <-req.Done():
		fmt.Println(styles.ERROR.Render("request from " + req.Peer + " expired"))
		return false
	default:
	}

	return confirm
}

func renderUploads(ctx context.Context, uploads <-chan core.UploadEvent, store *history.Store, log logger.Logger) {
	bars := progress.NewUploads()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-uploads:
			if !ok {
				return
			}

			bars.Update(ev.Peer, ev.Path, ev.Sent, ev.Total, ev.Done)
			if !ev.Done {
				continue
			}

			e := uploadEntry(ev)
			if ev.Err != nil {
				fmt.Println(styles.ERROR.Render(fmt.Sprintf("upload to %s failed: %v", ev.Peer, ev.Err)))
			} else {
				fmt.Println(styles.SUCCESS.Render(fmt.Sprintf("sent %s to %s", filepath.Base(ev.Path), ev.Peer)))
			}
			record(ctx, store, log, e)
		}
	}
}

func uploadEntry(ev core.UploadEvent) history.Entry {
	e := history.Entry{
		Filename:  filepath.Base(ev.Path),
		Peer:      ev.Peer,
		Direction: history.Upload,
		Size:      ev.Total,
		Status:    types.StatusComplete,
		SavePath:  ev.Path,
	}
	if ev.Err != nil {
		e.Status = types.StatusError
		e.Error = ev.Err.Error()
	}
	return e
}
