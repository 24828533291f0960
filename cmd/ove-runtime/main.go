package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/outreach-voice-engine/internal/app"
	"github.com/tiger/outreach-voice-engine/internal/config"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/bootstrap"
	"github.com/tiger/outreach-voice-engine/internal/store/postgres"
	"github.com/tiger/outreach-voice-engine/transports/telephony"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ove-runtime: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	Config   string   `short:"c" long:"config" env:"OVE_CONFIG" description:"engine YAML file; the built-in static setup is used when empty"`
	EnvFiles []string `long:"env-file" description:"dotenv file loaded before the config is read" default:".env"`

	Serve     serveCmd     `command:"serve" description:"Run the telephony call stream server"`
	Providers providersCmd `command:"providers" description:"Build every configured provider and print a summary"`
	Validate  validateCmd  `command:"validate" description:"Load and validate the engine config"`
	Migrate   migrateCmd   `command:"migrate" description:"Apply record store migrations"`

	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) error {
	opts := &options{stdout: stdout, stderr: stderr}
	opts.Serve.root = opts
	opts.Providers.root = opts
	opts.Validate.root = opts
	opts.Migrate.root = opts

	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(stdout, flagErr.Message)
			return nil
		}
		return err
	}
	return nil
}

func (o *options) loadConfig() (config.Engine, error) {
	if err := config.LoadDotEnv(o.EnvFiles...); err != nil {
		return config.Engine{}, err
	}
	if o.Config == "" {
		return config.Default(), nil
	}
	return config.Load(o.Config)
}

func setupTelemetry(out io.Writer) (func(), error) {
	previous := telemetry.DefaultEmitter()
	pipeline, err := telemetry.NewPipelineFromEnv(out)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup failed: %w", err)
	}
	if pipeline == nil {
		return func() { telemetry.SetDefaultEmitter(previous) }, nil
	}
	telemetry.SetDefaultEmitter(pipeline)
	return func() {
		_ = pipeline.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}

type serveCmd struct {
	Listen          string        `short:"l" long:"listen" env:"OVE_LISTEN_ADDR" description:"listen address; overrides server.listen_addr"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" default:"30s" description:"time allowed for live calls and queued analyses to finish"`

	root *options
}

func (c *serveCmd) Execute(_ []string) error {
	cfg, err := c.root.loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupTelemetry(c.root.stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := telephony.NewHub(0)
	application, err := app.Build(ctx, cfg, app.Options{Gateway: hub})
	if err != nil {
		return err
	}
	server, err := telephony.NewServer(telephony.Config{
		Hub:      hub,
		Handler:  application.Engine,
		Personas: cfg.Persona,
	})
	if err != nil {
		return err
	}

	addr := c.Listen
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		telemetry.DefaultEmitter().EmitLog("server_listening", "info", "call stream server listening", map[string]string{
			"addr": addr,
		}, telemetry.Correlation{EmittedBy: "ove-runtime"})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(httpErr, application.Shutdown(shutdownCtx))
	})
	return group.Wait()
}

type providersCmd struct {
	root *options
}

func (c *providersCmd) Execute(_ []string) error {
	cfg, err := c.root.loadConfig()
	if err != nil {
		return err
	}
	providers, err := bootstrap.Build(cfg.Providers, bootstrap.Options{MaxAttemptsPerProvider: cfg.MaxAttemptsPerProvider})
	if err != nil {
		return fmt.Errorf("provider bootstrap failed: %w", err)
	}
	summary, err := bootstrap.Summary(providers.Catalog)
	if err != nil {
		return fmt.Errorf("provider summary failed: %w", err)
	}
	_, _ = fmt.Fprintf(c.root.stdout, "ove-runtime: %s\n", summary)
	return nil
}

type validateCmd struct {
	root *options
}

func (c *validateCmd) Execute(_ []string) error {
	cfg, err := c.root.loadConfig()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.root.stdout, "ove-runtime: config ok: %d providers, %d tiers, %d personas, store=%s\n",
		len(cfg.Providers), len(cfg.Tiers), len(cfg.Personas), cfg.Store.Driver)
	return nil
}

type migrateCmd struct {
	Timeout time.Duration `long:"timeout" default:"60s" description:"migration deadline"`

	root *options
}

func (c *migrateCmd) Execute(_ []string) error {
	cfg, err := c.root.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return fmt.Errorf("migrate requires store.driver %q, got %q", config.StorePostgres, cfg.Store.Driver)
	}
	dsn, err := cfg.Store.ResolveDSN()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	store, err := postgres.Open(ctx, dsn, true)
	if err != nil {
		return err
	}
	store.Close()
	_, _ = fmt.Fprintln(c.root.stdout, "ove-runtime: migrations applied")
	return nil
}
