package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"clipsync/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "clipsync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	verbose := false
	if len(args) > 0 && (args[0] == "-v" || args[0] == "--verbose") {
		verbose = true
		args = args[1:]
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := newDaemon(cfg, dataDir, log)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 {
		return d.run(ctx)
	}

	switch args[0] {
	case "pair":
		return d.runPairOffer(ctx)
	case "join":
		return runJoinCommand(d, args[1:])
	case "devices":
		return runDevicesCommand(d)
	case "unpair":
		if len(args) < 2 {
			return fmt.Errorf("usage: clipsync unpair <device-id>")
		}
		return d.unpair(args[1])
	case "history":
		return runHistoryCommand(d, args[1:])
	default:
		return fmt.Errorf("unknown command %q (expected pair, join, devices, unpair, or history)", args[0])
	}
}

func runJoinCommand(d *daemon, args []string) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	qr := fs.String("qr", "", "scanned QR payload JSON")
	code := fs.String("code", "", "6-digit pairing code shown on the other device")
	addr := fs.String("addr", "", "other device's pairing address host:port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var qrData []byte
	if *qr != "" {
		qrData = []byte(*qr)
	}
	return d.runPairJoin(qrData, *code, *addr)
}

func runDevicesCommand(d *daemon) error {
	devices, err := d.reg.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No paired devices.")
		return nil
	}
	for _, dev := range devices {
		sync := "sync on"
		if !dev.SyncEnabled {
			sync = "sync off"
		}
		lastSeen := "never seen"
		if dev.LastSeenAt != nil {
			lastSeen = "last seen " + dev.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %q  %s, %s\n", dev.DeviceID, dev.DeviceName, sync, lastSeen)
	}
	return nil
}

func runHistoryCommand(d *daemon, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of entries to show")
	clear := fs.Bool("clear", false, "delete all history entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *clear {
		return d.engine.ClearHistory()
	}

	items, err := d.engine.History(*limit)
	if err != nil {
		return err
	}
	for _, item := range items {
		preview := string(item.Payload)
		if item.ContentType.String() != "text" && item.ContentType.String() != "url" {
			preview = fmt.Sprintf("<%s, %d bytes>", item.ContentType, len(item.Payload))
		} else if len(preview) > 60 {
			preview = preview[:60] + "..."
		}
		fmt.Printf("%s  %s  %s\n",
			time.UnixMilli(item.Timestamp).Format(time.RFC3339), item.ContentType, preview)
	}
	return nil
}
