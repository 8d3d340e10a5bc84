// Package app wires configuration to adapters, the orchestration core and
// lifecycle supervision.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"StudioFeed/internal/api"
	"StudioFeed/internal/approval"
	"StudioFeed/internal/config"
	"StudioFeed/internal/diversity"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/infrastructure/catalog"
	"StudioFeed/internal/infrastructure/instagram"
	"StudioFeed/internal/infrastructure/memory"
	"StudioFeed/internal/infrastructure/openai"
	"StudioFeed/internal/infrastructure/storage"
	"StudioFeed/internal/infrastructure/telegram"
	"StudioFeed/internal/logging"
	"StudioFeed/internal/pipeline"
	"StudioFeed/internal/ports"
	"StudioFeed/internal/scheduler"
)

// stores groups the three persistence ports, which share one backing store.
type stores struct {
	slots   ports.SlotRepository
	history ports.HistoryStore
	rules   ports.RulesStore
	close   func() error
}

// Application holds the wired components and runs them until shutdown.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	runner    *pipeline.Runner
	scheduler *scheduler.Scheduler
	server    *http.Server
	stores    stores
	ephemeral bool
}

// New builds a runnable application instance from configuration.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	st, ephemeral, err := openStores(cfg, baseLogger)
	if err != nil {
		return nil, err
	}

	assets := buildCatalog(cfg, baseLogger)
	channel := buildApprovalChannel(cfg, baseLogger)
	publisher := buildPublisher(cfg, baseLogger)

	if cfg.OpenAI.APIKey == "" {
		baseLogger.Warn("openai api key not configured, generation calls will fail")
	}
	ai := openai.NewClient(cfg.OpenAI)

	gateway := approval.New(st.slots, channel, baseLogger.With("component", "approval"))
	runner := pipeline.NewRunner(pipeline.Deps{
		Slots:        st.slots,
		History:      st.history,
		Rules:        st.rules,
		Catalog:      assets,
		Composer:     ai,
		Generator:    ai,
		Scorer:       ai,
		Publisher:    publisher,
		Gateway:      gateway,
		Diversity:    diversity.New(baseLogger.With("component", "diversity")),
		QualityFloor: cfg.Quality.Floor,
		Logger:       baseLogger.With("component", "pipeline"),
	})

	sched := scheduler.New(scheduler.Config{
		Interval:       cfg.Scheduler.Interval(),
		ApprovalWindow: cfg.Approval.Timeout(),
		Retention:      time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
		Runner:         runner,
		Gateway:        gateway,
		Rules:          st.rules,
		Slots:          st.slots,
		History:        st.history,
		Logger:         baseLogger.With("component", "scheduler"),
	})

	handler := api.NewHandler(api.Deps{
		Runner:  runner,
		Slots:   st.slots,
		History: st.history,
		Rules:   st.rules,
		Token:   cfg.Server.Token,
		Logger:  baseLogger.With("component", "api"),
	})

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		runner:    runner,
		scheduler: sched,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stores:    st,
		ephemeral: ephemeral,
	}, nil
}

func openStores(cfg config.Config, logger *slog.Logger) (stores, bool, error) {
	if cfg.Database.Path == "" {
		logger.Warn("no database path configured, using in-memory stores")
		mem := memory.NewStore()
		return stores{slots: mem, history: mem, rules: mem, close: func() error { return nil }}, true, nil
	}
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return stores{}, false, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return stores{slots: store, history: store, rules: store, close: store.Close}, false, nil
}

func buildCatalog(cfg config.Config, logger *slog.Logger) ports.AssetCatalog {
	if cfg.Catalog.URL != "" {
		logger.Info("using catalog service", "url", cfg.Catalog.URL)
		return catalog.NewHTTPCatalog(cfg.Catalog.URL, cfg.Catalog.APIKey)
	}
	return catalog.NewStaticCatalog(cfg.Catalog.Static)
}

func buildApprovalChannel(cfg config.Config, logger *slog.Logger) ports.ApprovalChannel {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		logger.Warn("telegram not configured, approval requests will only be logged")
		return &logChannel{logger: logger.With("component", "approval.log")}
	}
	return telegram.NewChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func buildPublisher(cfg config.Config, logger *slog.Logger) ports.Publisher {
	if cfg.Instagram.AccessToken == "" || cfg.Instagram.AccountID == "" {
		logger.Warn("instagram not configured, publishes will only be logged")
		return &logPublisher{logger: logger.With("component", "publisher.log")}
	}
	return instagram.NewPublisher(cfg.Instagram)
}

// logChannel stands in for the review bot when none is configured, so a
// local instance still walks the full slot lifecycle.
type logChannel struct {
	logger *slog.Logger
}

func (c *logChannel) Notify(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	c.logger.Info("approval requested",
		"slot", slot.ID,
		"image", imageRef(slot),
		"caption", slot.Result.Caption)
	return "log-" + uuid.NewString(), nil
}

type logPublisher struct {
	logger *slog.Logger
}

func (p *logPublisher) Publish(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	p.logger.Info("publishing post", "slot", slot.ID, "image", imageRef(slot))
	return "log-" + uuid.NewString(), nil
}

func imageRef(slot *domain.ScheduledSlot) string {
	if img := slot.Result.GeneratedImage; img != nil {
		return img.Ref
	}
	return ""
}

// seedRules pushes configured variation rules into ephemeral stores. A
// persistent database keeps whatever the admin API last saved.
func (a *Application) seedRules(ctx context.Context) error {
	if !a.ephemeral {
		return nil
	}
	return a.stores.rules.UpdateRules(ctx, a.cfg.Variation)
}

// Run starts the scheduler and the admin HTTP server and blocks until the
// context ends or either component fails.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		if err := a.stores.close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}()

	if err := a.seedRules(ctx); err != nil {
		return fmt.Errorf("seed variation rules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("scheduler starting", "interval", a.cfg.Scheduler.Interval())
		err := a.scheduler.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.logger.Info("admin api listening", "addr", a.server.Addr)
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		a.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Runner exposes the pipeline entry point for one-shot CLI use.
func (a *Application) Runner() *pipeline.Runner { return a.runner }
