package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lanbeam/config"
	"lanbeam/crypto"
	"lanbeam/discovery"
	"lanbeam/network"
	"lanbeam/storage"
)

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runCommand(args)
	case "share":
		err = shareCommand(args)
	case "fetch":
		err = fetchCommand(args)
	case "history":
		err = historyCommand(args)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		log.Fatalf("lanbeam: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  lanbeam [run]                                  advertise on the LAN and wait
  lanbeam share [-code NNNNNN] <path> [path...]  offer files under a pairing code
  lanbeam fetch -peer host[:port] -code NNNNNN [-out dir]
                                                 fetch files from a sharing peer
  lanbeam history [-n count]                     show past transfers`)
}

// app bundles the pieces every command boots: config, logger, history store.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	log     *logrus.Logger
	store   *storage.Store
}

func bootstrap(verbose bool) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	dataDir := filepath.Dir(cfgPath)
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		log:     logger,
		store:   store,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("close history database")
	}
}

func (a *app) newEngine(listenPort int) (*network.Engine, error) {
	return network.NewEngine(network.Options{
		DeviceID:   a.cfg.DeviceID,
		DeviceName: a.cfg.DeviceName,
		ListenPort: listenPort,
		Store:      a.store,
		Logger:     a.log,
	})
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := flags.Bool("v", false, "verbose logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(*verbose)
	if err != nil {
		return err
	}
	defer a.close()

	engine, err := a.newEngine(a.cfg.ListeningPort)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", a.cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", engine.Port())
	fmt.Printf("Config File:     %s\n", a.cfgPath)
	fmt.Printf("Data Directory:  %s\n", a.dataDir)

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:  a.cfg.DeviceID,
		DeviceName:    a.cfg.DeviceName,
		ListeningPort: engine.Port(),
	})
	if err != nil {
		a.log.WithError(err).Warn("discovery startup failed")
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(a.log, discoveryService.Scanner.Events())
	}

	go logEngineEvents(a.log, engine.Events())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func shareCommand(args []string) error {
	flags := flag.NewFlagSet("share", flag.ExitOnError)
	code := flags.String("code", "", "six-digit pairing code (random when omitted)")
	verbose := flags.Bool("v", false, "verbose logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	paths := flags.Args()
	if len(paths) == 0 {
		return errors.New("share: at least one path is required")
	}

	if *code == "" {
		generated, err := crypto.GeneratePairingCode()
		if err != nil {
			return err
		}
		*code = generated
	}

	a, err := bootstrap(*verbose)
	if err != nil {
		return err
	}
	defer a.close()

	engine, err := a.newEngine(a.cfg.ListeningPort)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	sessionID, err := engine.PrepareToSend(paths, *code)
	if err != nil {
		return err
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		SelfDeviceID:  a.cfg.DeviceID,
		DeviceName:    a.cfg.DeviceName,
		ListeningPort: engine.Port(),
	})
	if err != nil {
		a.log.WithError(err).Warn("discovery startup failed")
	} else {
		defer broadcaster.Stop()
	}

	fmt.Printf("Pairing code:    %s\n", *code)
	fmt.Printf("Listening Port:  %d\n", engine.Port())
	fmt.Println("Waiting for a receiver (press Ctrl+C to stop)")

	return awaitTransfer(engine, sessionID)
}

func fetchCommand(args []string) error {
	flags := flag.NewFlagSet("fetch", flag.ExitOnError)
	peer := flags.String("peer", "", "sender address as host or host:port")
	code := flags.String("code", "", "six-digit pairing code")
	out := flags.String("out", "", "destination directory (defaults to the configured save dir)")
	verbose := flags.Bool("v", false, "verbose logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *peer == "" {
		return errors.New("fetch: -peer is required")
	}
	if *code == "" {
		return errors.New("fetch: -code is required")
	}

	a, err := bootstrap(*verbose)
	if err != nil {
		return err
	}
	defer a.close()

	host, port, err := splitPeerAddress(*peer)
	if err != nil {
		return err
	}

	savePath := *out
	if savePath == "" {
		savePath = a.cfg.SaveDir
	}

	// Fetch dials out; an ephemeral listen port avoids colliding with a
	// local run or share on the same machine.
	engine, err := a.newEngine(0)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	sessionID, err := engine.RequestFiles(host, port, *code, savePath)
	if err != nil {
		return err
	}

	fmt.Printf("Fetching from %s:%d into %s\n", host, port, savePath)
	return awaitTransfer(engine, sessionID)
}

func historyCommand(args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	count := flags.Int("n", 20, "number of rows to show")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.ListTransfers(*count)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded yet.")
		return nil
	}

	for _, r := range records {
		peer := r.PeerDeviceName
		if peer == "" {
			peer = r.PeerAddress
		}
		fmt.Printf("%-9s %-8s %4d file(s) %12d bytes  peer=%s\n",
			r.Status, r.Direction, r.FileCount, r.TransferredBytes, peer)
	}
	return nil
}

// awaitTransfer consumes engine events until the session reaches a terminal
// state, printing progress along the way. Ctrl+C cancels the transfer.
func awaitTransfer(engine *network.Engine, sessionID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interrupt := ctx.Done()
	events := engine.Events()
	for {
		select {
		case <-interrupt:
			interrupt = nil
			_ = engine.Cancel(sessionID)
			// The cancel emits the terminal event this loop is waiting on.
		case event, ok := <-events:
			if !ok {
				return errors.New("engine stopped before the transfer finished")
			}
			if event.SessionID != sessionID {
				continue
			}
			switch event.Type {
			case network.EventConnected:
				fmt.Printf("Connected to %s (%s), %d file(s), %d bytes\n",
					event.PeerDeviceName, event.PeerAddress, len(event.Files), event.TotalBytes)
			case network.EventProgress:
				fmt.Printf("\r%3d%%  %d / %d bytes", event.Percent, event.TransferredBytes, event.TotalBytes)
			case network.EventCompleted:
				fmt.Printf("\nTransfer completed: %d bytes in %s\n",
					event.TransferredBytes, event.Duration.Round(time.Millisecond))
				return nil
			case network.EventCancelled:
				fmt.Printf("\nTransfer cancelled: %s\n", event.Message)
				return nil
			case network.EventError:
				fmt.Println()
				return fmt.Errorf("transfer failed (%s): %s", event.ErrorKind, event.Message)
			}
		}
	}
}

func splitPeerAddress(peer string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(peer)
	if err != nil {
		// Bare host, use the default port.
		return peer, config.DefaultListeningPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", peer)
	}
	return host, port, nil
}

func logDiscoveryEvents(logger *logrus.Logger, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			logger.WithFields(logrus.Fields{
				"device_id": event.Peer.DeviceID,
				"name":      event.Peer.DeviceName,
				"addresses": event.Peer.Addresses,
				"port":      event.Peer.Port,
			}).Info("peer available")
		case discovery.EventPeerRemoved:
			logger.WithField("device_id", event.Peer.DeviceID).Info("peer removed")
		}
	}
}

func logEngineEvents(logger *logrus.Logger, events <-chan network.Event) {
	for event := range events {
		logger.WithFields(logrus.Fields{
			"event":      string(event.Type),
			"session_id": event.SessionID,
		}).Debug("engine event")
	}
}
