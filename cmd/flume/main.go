// Package main provides the flume CLI entrypoint.
//
// Usage:
//
//	flume <command> [options]
//
// The forward command reads JSON records from stdin, one per line, and
// posts them into the buffered forwarder. On EOF the buffer is flushed
// and any undeliverable chunks are persisted per the backup config.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/flume/backup"
	"github.com/justapithecus/flume/client"
	"github.com/justapithecus/flume/config"
	"github.com/justapithecus/flume/iox"
	"github.com/justapithecus/flume/log"
	"github.com/justapithecus/flume/tui"
)

// maxLineBytes bounds a single stdin record line.
const maxLineBytes = 16 * 1024 * 1024

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "flume",
		Usage:          "Buffered event forwarder CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", client.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			forwardCommand(),
			clearBackupsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() for wrapped errors.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to flume.yaml",
		Value:   "flume.yaml",
	}
}

// loadConfig loads the config file. A missing file is only an error when
// the flag was set explicitly; otherwise defaults apply.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if !c.IsSet("config") {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return config.Default(), nil
			}
		}
		return cfg, err
	}
	return cfg, nil
}

func forwardCommand() *cli.Command {
	return &cli.Command{
		Name:  "forward",
		Usage: "Read JSON records from stdin and forward them",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "tag",
				Aliases: []string{"t"},
				Usage:   "tag to post records under",
				Value:   "app.log",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "show a live buffer monitor (requires a tty)",
			},
		},
		Action: runForward,
	}
}

func runForward(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger := log.NewLogger("flume")
	ctx := context.Background()

	fw, err := client.New(ctx, cfg, client.WithLogger(logger))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to start forwarder: %v", err), 1)
	}
	defer iox.DiscardErr(fw.Close)

	prog := startMonitor(c.Bool("watch"), fw, logger)
	if prog != nil {
		defer prog.Quit()
	}

	tag := c.String("tag")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var posted, skipped int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			skipped++
			logger.Warn("skipping malformed record", map[string]any{"error": err.Error()})
			continue
		}
		if err := fw.Post(ctx, tag, record); err != nil {
			return cli.Exit(fmt.Sprintf("post failed: %v", err), 1)
		}
		posted++
	}
	if err := scanner.Err(); err != nil {
		return cli.Exit(fmt.Sprintf("stdin read failed: %v", err), 1)
	}

	if err := fw.Close(); err != nil {
		return cli.Exit(fmt.Sprintf("close failed: %v", err), 1)
	}

	logger.Info("forward complete", map[string]any{
		"records": posted,
		"skipped": skipped,
	})
	return nil
}

// startMonitor launches the live monitor when requested and a tty is
// available. Keyboard input comes from /dev/tty so it does not compete
// with the record stream on stdin.
func startMonitor(watch bool, fw *client.Client, logger *log.Logger) *tea.Program {
	if !watch {
		return nil
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		logger.Warn("no tty available, monitor disabled", map[string]any{"error": err.Error()})
		return nil
	}

	statusFn := func() tui.Status {
		stats := fw.BufferStats()
		return tui.Status{
			BufferUsage:     fw.BufferUsage(),
			AllocatedBytes:  stats.AllocatedBytes,
			MaxBytes:        fw.MaxBufferSize(),
			BufferedBytes:   stats.BufferedBytes,
			RecordsAppended: stats.RecordsAppended,
			ChunksSealed:    stats.ChunksSealed,
			ChunksFlushed:   stats.ChunksFlushed,
			FlushFailures:   stats.FlushFailures,
		}
	}

	prog := tea.NewProgram(tui.NewMonitorModel(statusFn), tea.WithInput(tty))
	go func() {
		defer iox.DiscardClose(tty)
		if _, err := prog.Run(); err != nil {
			logger.Warn("monitor exited", map[string]any{"error": err.Error()})
		}
	}()
	return prog
}

func clearBackupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-backups",
		Usage: "Remove persisted chunk files unconditionally",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			logger := log.NewLogger("flume")
			ctx := context.Background()

			store, err := buildStore(ctx, cfg, logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if store == nil {
				logger.Info("no backup backend configured, nothing to clear", nil)
				return nil
			}

			saved, err := store.SavedBuffers(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("scan backups: %v", err), 1)
			}
			for _, sb := range saved {
				if err := sb.Remove(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("remove %s: %v", sb.Name(), err), 1)
				}
			}
			logger.Info("backups cleared", map[string]any{"removed": len(saved)})
			return nil
		},
	}
}

// buildStore constructs the backup store named by the config.
func buildStore(ctx context.Context, cfg config.Config, logger *log.Logger) (backup.Store, error) {
	prefix := cfg.Backup.Prefix
	if prefix == "" {
		prefix = config.DefaultBackupPrefix
	}
	switch cfg.Backup.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendFile:
		return backup.NewFileStore(cfg.Backup.Dir, prefix, logger.Named("backup"))
	case config.BackendS3:
		return backup.NewS3Store(ctx, cfg.BackupS3Config(), prefix, logger.Named("backup"))
	default:
		return nil, fmt.Errorf("unknown backup backend %q", cfg.Backup.Backend)
	}
}
