package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/storybook/internal/bus"
	"github.com/jackzampolin/storybook/internal/config"
	"github.com/jackzampolin/storybook/internal/defra"
	"github.com/jackzampolin/storybook/internal/home"
	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/sqlstore"
)

// outcomeBuffer bounds terminal outcomes waiting to be written.
const outcomeBuffer = 256

// backends holds the outcome sinks for terminal jobs and how to close them.
type backends struct {
	recorder    jobs.OutcomeRecorder
	defraClient *defra.Client
	probes      map[string]func(context.Context) error

	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
	logger  *slog.Logger
}

// openBackends connects the configured metadata store and event bus. The
// returned recorder is nil when neither is configured.
func openBackends(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*backends, error) {
	b := &backends{probes: make(map[string]func(context.Context) error), logger: logger}
	var recorders jobs.MultiRecorder

	fail := func(err error) (*backends, error) {
		b.close(context.WithoutCancel(ctx))
		return nil, err
	}

	switch cfg.Metadata.Backend {
	case config.BackendDefra:
		rec, err := b.openDefra(ctx, cfg, h)
		if err != nil {
			return fail(err)
		}
		recorders = append(recorders, rec)
	case config.BackendMySQL:
		rec, err := b.openMySQL(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		recorders = append(recorders, rec)
	}

	if cfg.Notify.NATSURL != "" {
		client, err := bus.Connect(config.ResolveEnvVars(cfg.Notify.NATSURL), logger)
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, func(context.Context) error { client.Close(); return nil })
		b.probes["nats"] = func(context.Context) error {
			if !client.Conn().IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
		recorders = append(recorders, bus.NewPublisher(client, cfg.Notify.SubjectPrefix))
		logger.Info("publishing job events", "url", client.Conn().ConnectedUrlRedacted(), "prefix", cfg.Notify.SubjectPrefix)
	}

	if len(recorders) == 0 {
		return b, nil
	}
	async := jobs.NewAsyncRecorder(recorders, outcomeBuffer, logger)
	b.closers = append(b.closers, async.Close)
	b.recorder = async
	return b, nil
}

// openDefra connects to DefraDB, starting the managed container when no
// URL is configured.
func (b *backends) openDefra(ctx context.Context, cfg *config.Config, h *home.Dir) (jobs.OutcomeRecorder, error) {
	defraURL := cfg.Metadata.DefraURL
	if defraURL == "" {
		if !cfg.Metadata.ManageDefra {
			return nil, errors.New("metadata.defra_url is required when manage_defra is false")
		}
		mgr, err := defra.NewDockerManager(defra.DockerConfig{
			ContainerName: cfg.Defra.ContainerName,
			Image:         cfg.Defra.Image,
			HostPort:      cfg.Defra.Port,
			DataPath:      h.DefraPath(),
			Logger:        b.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create defra manager: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) error { return mgr.Close() })

		b.logger.Info("starting DefraDB")
		if err := mgr.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start DefraDB: %w", err)
		}
		b.closers = append(b.closers, func(ctx context.Context) error {
			b.logger.Info("stopping DefraDB")
			return mgr.Stop(ctx)
		})
		defraURL = mgr.URL()
	}

	client := defra.NewClient(defraURL)
	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("DefraDB health check failed: %w", err)
	}
	if err := defra.EnsureSchema(ctx, client); err != nil {
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}

	sink := defra.NewSink(defra.SinkConfig{Client: client, Logger: b.logger})
	sink.Start(context.WithoutCancel(ctx))
	b.closers = append(b.closers, func(context.Context) error { sink.Stop(); return nil })

	b.defraClient = client
	b.logger.Info("recording outcomes to DefraDB", "url", client.URL())
	return defra.NewRecorder(sink, b.logger), nil
}

// openMySQL connects to MySQL and creates the outcome tables.
func (b *backends) openMySQL(ctx context.Context, cfg *config.Config) (jobs.OutcomeRecorder, error) {
	dsn := config.ResolveEnvVars(cfg.Metadata.MySQLDSN)
	db, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store := sqlstore.New(db, b.logger)
	b.closers = append(b.closers, func(context.Context) error { return store.Close() })
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	b.probes["mysql"] = db.PingContext

	if parsed, err := sqlstore.NormalizeDSN(dsn); err == nil {
		b.logger.Info("recording outcomes to MySQL", "addr", parsed.Addr, "db", parsed.DBName)
	}
	return store, nil
}

// close runs closers in reverse order, logging failures.
func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			b.logger.Error("backend close error", "error", err)
		}
	}
	b.closers = nil
}
