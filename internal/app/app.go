package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"salesdesk/assistant/internal/audit"
	"salesdesk/assistant/internal/auth"
	"salesdesk/assistant/internal/config"
	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/docstore"
	"salesdesk/assistant/internal/dormancy"
	"salesdesk/assistant/internal/httpserver"
	"salesdesk/assistant/internal/migrations"
	"salesdesk/assistant/internal/observability"
	"salesdesk/assistant/internal/reminder"
	"salesdesk/assistant/internal/scheduler"
)

type App struct {
	cfg      config.Config
	log      *slog.Logger
	closers  []func() error
	sweeper  *scheduler.Routine
	reminder *scheduler.Routine
	auth     *auth.Service
	job      *reminder.Job
	server   *httpserver.Server
	handler  http.Handler
}

// backend is the opened document store plus its liveness probe and the
// function releasing its connection.
type backend struct {
	store      docstore.Store
	ping       func(ctx context.Context) error
	close      func() error
	migrations *migrations.Service
	migrated   []string
}

func New(cfg config.Config) (*App, error) {
	return newApp(cfg, observability.NewLogger(cfg.Log.Level, cfg.Log.Format))
}

func newApp(cfg config.Config, logger *slog.Logger) (*App, error) {
	be, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: logger}
	if be.close != nil {
		a.closers = append(a.closers, be.close)
	}
	if err := a.wire(be); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	logger.Info("document store ready", "backend", cfg.Store.Backend, "migrations_applied", be.migrated)
	return a, nil
}

func (a *App) wire(be backend) error {
	cfg := a.cfg
	store := docstore.WithTimeout(be.store, cfg.Store.Timeout)

	passwords, err := auth.NewHasher(cfg.Auth.PasswordHash, cfg.Auth.PasswordCost)
	if err != nil {
		return fmt.Errorf("create password hasher: %w", err)
	}
	tokens, err := auth.NewHasher(auth.AlgorithmBcrypt, cfg.Auth.TokenHashCost)
	if err != nil {
		return fmt.Errorf("create token hasher: %w", err)
	}
	authService, err := auth.NewService(store, auth.ServiceConfig{
		SessionTTL:       cfg.Auth.SessionTTL,
		Passwords:        passwords,
		Tokens:           tokens,
		MaxWriteAttempts: cfg.Store.MaxWriteAttempts,
		Logger:           a.log,
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	if err := a.bootstrapAdmin(authService); err != nil {
		return err
	}

	conversations, err := conversation.NewRepository(store, conversation.Config{
		MaxMessages:      cfg.Chat.MaxMessages,
		MaxWriteAttempts: cfg.Store.MaxWriteAttempts,
		Logger:           a.log,
	})
	if err != nil {
		return fmt.Errorf("create conversation repository: %w", err)
	}
	scanner, err := dormancy.NewScanner(conversations, cfg.Dormancy.Threshold)
	if err != nil {
		return fmt.Errorf("create dormancy scanner: %w", err)
	}

	sender, err := newSender(cfg.Reminder, a.log)
	if err != nil {
		return err
	}
	job, err := reminder.NewJob(scanner, conversations, sender, reminder.JobConfig{Logger: a.log})
	if err != nil {
		return fmt.Errorf("create reminder job: %w", err)
	}

	deps := httpserver.Deps{
		Auth:          authService,
		Dormancy:      scanner,
		Conversations: conversations,
		Reminders:     job,
		Audit:         audit.NewLogger(cfg.AuditLogFile),
		Logger:        a.log,
		Ready:         be.ping,
		CookieSecure:  cfg.Auth.CookieSecure,
		IngestSecret:  cfg.Chat.IngestSecret,
	}
	if be.migrations != nil {
		deps.Migrations = be.migrations
	}

	a.auth = authService
	a.job = job
	a.sweeper = scheduler.New("session-sweep", a.log)
	a.reminder = scheduler.New("dormancy-reminder", a.log)
	a.server = httpserver.New(cfg.HTTP, deps)
	a.handler = httpserver.NewHandler(deps)
	return nil
}

func (a *App) bootstrapAdmin(svc *auth.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	username := a.cfg.Auth.BootstrapUsername
	exists, err := svc.HasCredential(ctx, username)
	if err != nil {
		return fmt.Errorf("check bootstrap admin: %w", err)
	}
	if exists {
		return nil
	}
	if err := svc.PutCredential(ctx, username, a.cfg.Auth.BootstrapPassword); err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	a.log.Info("bootstrap admin created", "username", username)
	return nil
}

func newSender(cfg config.ReminderConfig, logger *slog.Logger) (reminder.Sender, error) {
	text := cfg.Text
	if text == "" {
		text = reminder.DefaultText
	}
	if cfg.WebhookURL == "" {
		return reminder.LogSender{Logger: logger, Text: text}, nil
	}
	sender, err := reminder.NewWebhookSender(cfg.WebhookURL, text, cfg.WebhookTimeout)
	if err != nil {
		return nil, fmt.Errorf("create reminder sender: %w", err)
	}
	return sender, nil
}

func openBackend(cfg config.StoreConfig) (backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return backend{store: docstore.NewMemoryStore()}, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return backend{}, fmt.Errorf("ping database: %w", err)
		}
		mig, err := migrations.NewService(db)
		if err != nil {
			_ = db.Close()
			return backend{}, fmt.Errorf("create migration service: %w", err)
		}
		ran, err := mig.Apply(context.Background())
		if err != nil {
			_ = db.Close()
			return backend{}, fmt.Errorf("apply migrations: %w", err)
		}
		store, err := docstore.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return backend{}, fmt.Errorf("create postgres store: %w", err)
		}
		return backend{store: store, ping: store.Ping, close: db.Close, migrations: mig, migrated: ran}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return backend{}, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		err = client.Ping(ctx, nil)
		cancel()
		if err != nil {
			_ = disconnect()
			return backend{}, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := docstore.NewMongoStore(client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))
		if err != nil {
			_ = disconnect()
			return backend{}, fmt.Errorf("create mongo store: %w", err)
		}
		return backend{store: store, ping: store.Ping, close: disconnect}, nil

	default:
		store, err := docstore.NewFileStore(cfg.File)
		if err != nil {
			return backend{}, fmt.Errorf("create file store: %w", err)
		}
		return backend{store: store}, nil
	}
}

// Handler exposes the routed API without the listener.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		_ = a.closeAll()
	}()

	a.sweeper.Start(a.cfg.Auth.SweepInterval, func(ctx context.Context) error {
		removed, err := a.auth.Sweep(ctx)
		if err == nil && removed > 0 {
			a.log.Info("expired sessions removed", "removed", removed)
		}
		return err
	})
	a.reminder.Start(a.cfg.Dormancy.ScanInterval, a.job.Run)

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// closeAll stops the background routines before releasing the store.
func (a *App) closeAll() error {
	var errs []error
	for _, r := range []*scheduler.Routine{a.sweeper, a.reminder} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
