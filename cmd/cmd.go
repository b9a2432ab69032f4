// Package cmd is the lanshare command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v3"

	"github.com/Dyastin-0/lanshare/core"
	"github.com/Dyastin-0/lanshare/history"
	"github.com/Dyastin-0/lanshare/logger"
)

const (
	Version = "0.1.0"

	defaultDir = "lanshare/received"
)

func New() *cli.Command {
	return &cli.Command{
		Name:    "lanshare",
		Usage:   "share one file or folder with peers on your local network",
		Version: Version,
		Flags:   globalFlags(),
		Action:  rootAction,
		Commands: []*cli.Command{
			offerCommand(),
			getCommand(),
			peersCommand(),
			historyCommand(),
		},
	}
}

func rootAction(ctx context.Context, cmd *cli.Command) error {
	banner := figure.NewFigure("lanshare", "", true)
	banner.Print()

	fmt.Println()

	return cli.ShowAppHelp(cmd)
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "display name announced to peers (defaults to the hostname)",
			Sources: cli.EnvVars("LANSHARE_NAME"),
		},
		&cli.IntFlag{
			Name:    "discovery-port",
			Value:   core.DefaultDiscoveryPort,
			Sources: cli.EnvVars("LANSHARE_DISCOVERY_PORT"),
		},
		&cli.IntFlag{
			Name:    "control-port",
			Value:   core.DefaultControlPort,
			Sources: cli.EnvVars("LANSHARE_CONTROL_PORT"),
		},
		&cli.IntFlag{
			Name:    "transfer-port",
			Value:   core.DefaultTransferPort,
			Sources: cli.EnvVars("LANSHARE_TRANSFER_PORT"),
		},
		&cli.StringFlag{
			Name:    "broadcast",
			Aliases: []string{"b"},
			Usage:   "broadcast address for heartbeats (defaults to each subnet's)",
			Sources: cli.EnvVars("LANSHARE_BROADCAST"),
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "local address to bind the control and transfer listeners to",
			Sources: cli.EnvVars("LANSHARE_BIND"),
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "where logs and transfer history are kept",
			Value:   filepath.Join(homeDir(), "lanshare"),
			Sources: cli.EnvVars("LANSHARE_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "log-file",
			Sources: cli.EnvVars("LANSHARE_LOG_FILE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Sources: cli.EnvVars("LANSHARE_LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "also write logs to the terminal",
		},
	}
}

func configFrom(cmd *cli.Command, mode string) core.Config {
	return core.Config{
		DisplayName:   cmd.String("name"),
		DiscoveryPort: int(cmd.Int("discovery-port")),
		ControlPort:   int(cmd.Int("control-port")),
		TransferPort:  int(cmd.Int("transfer-port")),
		BroadcastAddr: cmd.String("broadcast"),
		BindHost:      cmd.String("bind"),
		SharingMode:   mode,
	}
}

func setupLogger(cmd *cli.Command) (logger.Logger, error) {
	l := logger.New()

	if err := l.SetLevel(cmd.String("log-level")); err != nil {
		return nil, err
	}

	path := cmd.String("log-file")
	if path == "" {
		var err error
		path, err = logger.LogPath(cmd.String("data-dir"))
		if err != nil {
			return nil, err
		}
	}

	if cmd.Bool("verbose") {
		l.InitMultiWriter(path)
	} else {
		l.Init(path)
	}

	return l, nil
}

func openHistory(cmd *cli.Command) (*history.Store, error) {
	dir := cmd.String("data-dir")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return history.Open(filepath.Join(dir, history.FileName))
}

// startNode builds and starts a node from the global flags.
func startNode(ctx context.Context, cmd *cli.Command, mode string) (*core.NetworkManager, logger.Logger, error) {
	log, err := setupLogger(cmd)
	if err != nil {
		return nil, nil, err
	}

	m := core.NewNetworkManager(configFrom(cmd, mode), log)
	if err := m.Start(ctx); err != nil {
		return nil, nil, err
	}

	return m, log, nil
}

func record(ctx context.Context, store *history.Store, log logger.Logger, e history.Entry) {
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if _, err := store.Record(ctx, e); err != nil {
		log.WithErr(err).Warn("failed to record transfer")
	}
}

func homeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "./"
	}

	return homeDir
}
