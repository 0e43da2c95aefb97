package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
	"github.com/chaz8081/flysight-link/internal/config"
	"github.com/chaz8081/flysight-link/internal/session"
	"github.com/chaz8081/flysight-link/internal/store"
)

const usageText = `fslink - FlySight BLE link tool

Usage:
  fslink [flags] <command> [args]

Commands:
  scan                    discover devices in pairing mode (Ctrl+C to stop)
  pair <id>               connect to a pairing-mode device and remember it
  devices                 list known devices
  forget <id>             remove a known device
  ls [path]               list a remote directory
  get <remote> [local]    download a file
  put <local> <remote>    upload a file
  live                    stream live GNSS data (Ctrl+C to stop)
  mask [hex]              show or set the telemetry field mask
  start                   fire the start pistol and wait for the result
  history                 show recorded start results

Flags:
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/fslink/config.yaml)")
	deviceID := flag.String("device", "", "peripheral ID to use (default: most recently seen known device)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation: %v", err)
	}
	setupLogging(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		fatal("create data directory: %v", err)
	}
	db, err := store.Open(cfg.DatabasePath, cfg.Transfer.HistoryLimit)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer db.Close()

	eng, err := session.NewEngine(ble.NewHardwareAdapter(), db, session.Options{
		ConnectTimeout:  cfg.Link.ConnectTimeout,
		CommandTimeout:  cfg.Link.CommandTimeout,
		TransferTimeout: cfg.Transfer.ChunkTimeout,
		ChunkRetries:    cfg.Transfer.ChunkRetries,
		HistoryLimit:    cfg.Transfer.HistoryLimit,
	})
	if err != nil {
		fatal("engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := args[0]; cmd {
	case "scan":
		err = runScan(ctx, eng)
	case "pair":
		err = runPair(ctx, eng, args[1:])
	case "devices":
		err = runDevices(eng)
	case "forget":
		if len(args) != 2 {
			err = fmt.Errorf("usage: fslink forget <id>")
			break
		}
		err = eng.ForgetDevice(args[1])
	case "ls":
		err = withLink(ctx, eng, *deviceID, func() error { return runLs(ctx, eng, args[1:]) })
	case "get":
		err = withLink(ctx, eng, *deviceID, func() error { return runGet(ctx, eng, args[1:]) })
	case "put":
		err = withLink(ctx, eng, *deviceID, func() error { return runPut(ctx, eng, args[1:]) })
	case "live":
		err = withLink(ctx, eng, *deviceID, func() error { return runLive(ctx, eng) })
	case "mask":
		err = withLink(ctx, eng, *deviceID, func() error { return runMask(ctx, eng, args[1:]) })
	case "start":
		err = withLink(ctx, eng, *deviceID, func() error { return runStart(ctx, eng) })
	case "history":
		err = runHistory(eng)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%s: %v", args[0], err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fslink: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig loads the config from the given path, falling back to the
// default path if present, else built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return config.Load(defaultPath)
	}
	return config.Default(), nil
}

func setupLogging(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

// withLink connects to the target device, runs fn, and disconnects.
func withLink(ctx context.Context, eng *session.Engine, id string, fn func() error) error {
	if id == "" {
		var err error
		id, err = defaultDevice(eng)
		if err != nil {
			return err
		}
	}
	if err := eng.Connect(ctx, id); err != nil {
		return err
	}
	defer func() {
		if err := eng.Disconnect(); err != nil {
			slog.Warn("[cli] disconnect", "error", err)
		}
	}()
	return fn()
}

// defaultDevice picks the most recently seen known peripheral.
func defaultDevice(eng *session.Engine) (string, error) {
	known := eng.KnownPeripherals()
	if len(known) == 0 {
		return "", fmt.Errorf("no known devices; run 'fslink scan' and 'fslink pair <id>' first")
	}
	best := known[0]
	for _, p := range known[1:] {
		if p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	return best.ID, nil
}

// runScan streams pairing-mode discoveries until interrupted.
func runScan(ctx context.Context, eng *session.Engine) error {
	events, unsub := eng.Bus().Subscribe()
	defer unsub()

	if err := eng.StartScanningForPairingModeDevices(); err != nil {
		return err
	}
	defer eng.StopScanning()

	fmt.Println("Scanning for FlySight devices in pairing mode (Ctrl+C to stop)...")
	seen := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Type != session.EventPairingDevices {
				continue
			}
			for _, p := range ev.Data.([]session.Peripheral) {
				if rssi, ok := seen[p.ID]; ok && rssi == p.RSSI {
					continue
				}
				seen[p.ID] = p.RSSI
				fmt.Printf("  %-20s %-16s %d dBm\n", p.ID, p.Name, p.RSSI)
			}
		}
	}
}

func runPair(ctx context.Context, eng *session.Engine, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fslink pair <id>")
	}
	id := args[0]
	if err := eng.Connect(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Paired with %s\n", id)
	return eng.Disconnect()
}

func runDevices(eng *session.Engine) error {
	known := eng.KnownPeripherals()
	if len(known) == 0 {
		fmt.Println("No known devices.")
		return nil
	}
	for _, p := range known {
		last := "never"
		if !p.LastSeen.IsZero() {
			last = p.LastSeen.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %-20s %-16s last seen %s\n", p.ID, p.Name, last)
	}
	return nil
}

// enterPath walks the engine's browser into a /-separated remote path.
func enterPath(ctx context.Context, eng *session.Engine, remote string) error {
	for _, seg := range strings.Split(remote, "/") {
		if seg == "" {
			continue
		}
		if err := eng.ChangeDirectory(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func runLs(ctx context.Context, eng *session.Engine, args []string) error {
	if len(args) > 0 {
		if err := enterPath(ctx, eng, args[0]); err != nil {
			return err
		}
	} else if err := eng.LoadDirectoryEntries(ctx); err != nil {
		return err
	}
	for _, e := range eng.DirectoryEntries() {
		kind := " "
		if e.Folder {
			kind = "d"
		}
		name := e.Name
		if e.Hidden {
			name = name + " (hidden)"
		}
		fmt.Printf("%s %8d  %s  %s\n", kind, e.Size, e.ModTime.Local().Format("2006-01-02 15:04"), name)
	}
	return nil
}

func runGet(ctx context.Context, eng *session.Engine, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: fslink get <remote> [local]")
	}
	remote := args[0]
	local := filepath.Base(remote)
	if len(args) == 2 {
		local = args[1]
	}

	dir, name := path.Split(remote)
	if dir != "" {
		if err := enterPath(ctx, eng, dir); err != nil {
			return err
		}
	} else if err := eng.LoadDirectoryEntries(ctx); err != nil {
		return err
	}
	// The listing gives us the size for determinate progress.
	var size int64
	for _, e := range eng.DirectoryEntries() {
		if e.Name == name && !e.Folder {
			size = int64(e.Size)
		}
	}

	done := make(chan struct{})
	go reportProgress(done, eng.DownloadProgress)
	data, err := eng.DownloadFile(ctx, name, size)
	close(done)
	if err != nil {
		return err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("\r%s -> %s (%d bytes)\n", remote, local, len(data))
	return nil
}

func runPut(ctx context.Context, eng *session.Engine, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: fslink put <local> <remote>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go reportProgress(done, eng.UploadProgress)
	err = eng.UploadFile(ctx, data, args[1])
	close(done)
	if err != nil {
		return err
	}
	fmt.Printf("\r%s -> %s (%d bytes)\n", args[0], args[1], len(data))
	return nil
}

// reportProgress redraws a one-line progress readout until done closes.
func reportProgress(done <-chan struct{}, progress func() float64) {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			p := progress()
			if p < 0 {
				fmt.Print("\rtransferring...")
			} else {
				fmt.Printf("\r%3.0f%%", p*100)
			}
		}
	}
}

func runLive(ctx context.Context, eng *session.Engine) error {
	events, unsub := eng.Bus().Subscribe()
	defer unsub()

	mask, err := eng.FetchGNSSMask(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Streaming live GNSS (mask 0x%02x, Ctrl+C to stop)...\n", mask)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Type != session.EventGNSS {
				continue
			}
			printGNSS(ev.Data.(protocol.GNSSData))
		}
	}
}

func printGNSS(d protocol.GNSSData) {
	var parts []string
	if d.Has(protocol.MaskTime) {
		parts = append(parts, fmt.Sprintf("tow=%dms", d.TimeOfWeek))
	}
	if d.Has(protocol.MaskPosition) {
		parts = append(parts, fmt.Sprintf("lat=%.7f lon=%.7f", d.Lat, d.Lon))
	}
	if d.Has(protocol.MaskHeight) {
		parts = append(parts, fmt.Sprintf("h=%.1fm", d.Height))
	}
	if d.Has(protocol.MaskVelocity) {
		parts = append(parts, fmt.Sprintf("vel=%.1f/%.1f/%.1f m/s", d.VelN, d.VelE, d.VelD))
	}
	if d.Has(protocol.MaskAccuracy) {
		parts = append(parts, fmt.Sprintf("acc=%.1f/%.1fm %.1fm/s", d.HAcc, d.VAcc, d.SAcc))
	}
	if d.Has(protocol.MaskNumSV) {
		parts = append(parts, fmt.Sprintf("sv=%d", d.NumSV))
	}
	fmt.Println(strings.Join(parts, "  "))
}

func runMask(ctx context.Context, eng *session.Engine, args []string) error {
	if len(args) == 0 {
		mask, err := eng.FetchGNSSMask(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("mask 0x%02x\n", mask)
		return nil
	}
	var mask byte
	if _, err := fmt.Sscanf(args[0], "%x", &mask); err != nil {
		return fmt.Errorf("mask must be hex (e.g. 3f): %w", err)
	}
	if err := eng.UpdateGNSSMask(ctx, mask); err != nil {
		return err
	}
	fmt.Printf("mask 0x%02x (device-confirmed)\n", eng.CurrentGNSSMask())
	return nil
}

func runStart(ctx context.Context, eng *session.Engine) error {
	events, unsub := eng.Bus().Subscribe()
	defer unsub()

	if err := eng.SendStartCommand(ctx); err != nil {
		return err
	}
	fmt.Println("Start pistol armed, waiting for the result (Ctrl+C to cancel)...")

	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.SendCancelCommand(cctx); err != nil {
				return err
			}
			fmt.Println("Cancelled.")
			return nil
		case ev := <-events:
			if ev.Type != session.EventStartResult {
				continue
			}
			ts := ev.Data.(time.Time)
			fmt.Printf("Fired at %s\n", ts.Format("15:04:05.000 MST"))
			return nil
		}
	}
}

func runHistory(eng *session.Engine) error {
	results, err := eng.StartHistory()
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No start results recorded.")
		return nil
	}
	for _, ts := range results {
		fmt.Printf("  %s\n", ts.Local().Format("2006-01-02 15:04:05.000"))
	}
	return nil
}
