// Command usagemeter runs the usage metering HTTP service and its batch jobs.
//
// Usage:
//
//	usagemeter serve
//	usagemeter scan-alerts --publish
//	usagemeter prune
//	usagemeter migrate --down
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/mihaimyh/usagemeter/internal/config"
	natsalerts "github.com/mihaimyh/usagemeter/pkg/usagemeter/alerts/nats"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve      ServeCmd      `cmd:"" help:"Start the HTTP API with the alert scanner and activity pruner."`
	ScanAlerts ScanAlertsCmd `cmd:"" name:"scan-alerts" help:"Run one usage alert scan and print the alerts as JSON."`
	Prune      PruneCmd      `cmd:"" help:"Delete expired API activity entries once."`
	Migrate    MigrateCmd    `cmd:"" help:"Apply or roll back the postgres schema."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`

	EnvFile  string `name:"env-file" help:"Path to a .env file (missing files are ignored)." default:".env"`
	Backend  string `help:"Override USAGEMETER_STORAGE_BACKEND (memory, redis, postgres, sqlite, firestore)."`
	LogLevel string `name:"log-level" help:"Override USAGEMETER_LOG_LEVEL."`

	out io.Writer `kong:"-"`
}

// loadConfig reads the configuration and applies flag overrides
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.EnvFile)
	if err != nil {
		return nil, err
	}
	if c.Backend != "" {
		cfg.Storage.Backend = c.Backend
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (v *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	_, err := fmt.Fprintf(cli.stdout(), "usagemeter version %s\n", version)
	return err
}

// ServeCmd starts the HTTP API.
type ServeCmd struct {
	Port int `help:"Override USAGEMETER_SERVER_PORT."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, withAlertPublishing(true))
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx)
}

// ScanAlertsCmd runs the AlertScanner once.
type ScanAlertsCmd struct {
	Publish bool `help:"Also publish the alerts to NATS (requires USAGEMETER_NATS_URL)."`
}

func (s *ScanAlertsCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := newApp(ctx, cfg, withAlertPublishing(s.Publish))
	if err != nil {
		return err
	}
	defer a.Close()

	alerts, err := a.manager.AlertScanner().Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning usage alerts: %w", err)
	}

	report := make([]natsalerts.Message, 0, len(alerts))
	for _, al := range alerts {
		report = append(report, natsalerts.NewMessage(al))
	}
	enc := json.NewEncoder(cli.stdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if s.Publish {
		if a.sink == nil {
			return fmt.Errorf("--publish requires USAGEMETER_NATS_URL")
		}
		if len(alerts) > 0 {
			if err := a.sink.Publish(ctx, alerts); err != nil {
				return fmt.Errorf("publishing usage alerts: %w", err)
			}
		}
	}
	return nil
}

// PruneCmd deletes expired activity entries.
type PruneCmd struct{}

func (p *PruneCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.Pruner().PruneOnce(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cli.stdout(), "pruned %d activity entries older than %s\n", n, a.manager.Pruner().Retention())
	return err
}

// MigrateCmd manages the postgres schema.
type MigrateCmd struct {
	Down bool `help:"Roll back every migration instead of applying them."`
}

func (m *MigrateCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != config.BackendPostgres {
		_, err := fmt.Fprintf(cli.stdout(), "backend %s has no migrations\n", cfg.Storage.Backend)
		return err
	}
	msg, err := migratePostgres(context.Background(), cfg.Postgres, m.Down)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.stdout(), msg)
	return err
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("usagemeter"),
		kong.Description("Per-user, per-tier usage metering and rate limiting"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
