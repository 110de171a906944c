// Package main provides the lanlink daemon entrypoint.
//
// lanlink runs one peer on a local Ethernet segment: it discovers
// other peers, exchanges reliable text messages and receives file
// transfers into the downloads directory. Operations arrive over the
// link only; there is no remote control surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/danls/lanlink/internal/config"
	"github.com/danls/lanlink/internal/discovery"
	"github.com/danls/lanlink/internal/logging"
	"github.com/danls/lanlink/internal/messaging"
	"github.com/danls/lanlink/internal/node"
	"github.com/danls/lanlink/internal/transfer"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "lanlink",
		Usage:   "Link-layer peer discovery, messaging and file transfer",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			configInitCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a peer on a network interface",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
			},
			&cli.StringFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "Network interface to bind (overrides config)",
			},
			&cli.StringFlag{
				Name:  "downloads-dir",
				Usage: "Directory for received files (overrides config)",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if iface := c.String("interface"); iface != "" {
		cfg.Interface = iface
	}
	if dir := c.String("downloads-dir"); dir != "" {
		cfg.DownloadsDir = dir
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := logging.New("lanlink")
	n := node.New(cfg, log)

	n.OnDeviceEvent(func(e discovery.Event) {
		evt := log.Info().Str("device", e.Device.Addr.String())
		switch e.Kind {
		case discovery.DeviceDiscovered:
			evt.Msg("device discovered")
		case discovery.DeviceDisconnected:
			evt.Msg("device disconnected")
		default:
			evt.Msg("device seen")
		}
	})
	n.OnMessage(func(m messaging.Message) {
		log.Info().
			Str("from", m.Sender.String()).
			Bool("broadcast", m.Broadcast).
			Str("content", m.Content).
			Msg("message received")
	})
	n.OnMessageFailure(func(f messaging.Failure) {
		log.Warn().
			Str("target", f.Target.String()).
			Uint32("message_id", f.ID).
			Int("attempts", f.Attempts).
			Msg("message delivery failed")
	})
	n.OnTransferEvent(func(e transfer.Event) {
		switch e.Kind {
		case transfer.TransferCompleted:
			log.Info().
				Str("file", e.Transfer.Filename).
				Str("path", e.Transfer.Path).
				Msg("transfer completed")
		case transfer.TransferFailed:
			log.Warn().
				Str("file", e.Transfer.Filename).
				Str("transfer_id", e.Transfer.ID).
				Msg("transfer failed")
		case transfer.TransferStarted:
			log.Info().
				Str("file", e.Transfer.Filename).
				Int64("size", e.Transfer.FileSize).
				Msg("transfer started")
		}
	})

	if err := n.Start(); err != nil {
		return err
	}
	defer n.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

func configInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "config-init",
		Usage: "Write a default config file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Output path",
				Value:   "lanlink.toml",
			},
		},
		Action: func(c *cli.Context) error {
			data, err := toml.Marshal(config.Default())
			if err != nil {
				return err
			}
			path := c.String("out")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}
