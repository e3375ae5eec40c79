// Package server assembles the parser service: configuration in, a wired
// App out. It owns the backend switches (storage, database, publisher,
// source, sink) and the graceful shutdown ordering.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/markolofsen/unrealon-sdk/internal/api"
	"github.com/markolofsen/unrealon-sdk/internal/clock/system"
	"github.com/markolofsen/unrealon-sdk/internal/config"
	"github.com/markolofsen/unrealon-sdk/internal/control"
	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/hash/sha256"
	"github.com/markolofsen/unrealon-sdk/internal/headless/detector"
	"github.com/markolofsen/unrealon-sdk/internal/id/uuid"
	"github.com/markolofsen/unrealon-sdk/internal/logging"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/policy/ratelimit"
	"github.com/markolofsen/unrealon-sdk/internal/policy/simple"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
	progresssinks "github.com/markolofsen/unrealon-sdk/internal/progress/sinks"
	memorypublisher "github.com/markolofsen/unrealon-sdk/internal/publisher/memory"
	natspublisher "github.com/markolofsen/unrealon-sdk/internal/publisher/nats"
	gcppublisher "github.com/markolofsen/unrealon-sdk/internal/publisher/pubsub"
	httpsink "github.com/markolofsen/unrealon-sdk/internal/sink/http"
	memorysink "github.com/markolofsen/unrealon-sdk/internal/sink/memory"
	apisource "github.com/markolofsen/unrealon-sdk/internal/source/api"
	browsersource "github.com/markolofsen/unrealon-sdk/internal/source/browser"
	websource "github.com/markolofsen/unrealon-sdk/internal/source/web"
	gcsstorage "github.com/markolofsen/unrealon-sdk/internal/storage/gcs"
	localstorage "github.com/markolofsen/unrealon-sdk/internal/storage/local"
	memorystorage "github.com/markolofsen/unrealon-sdk/internal/storage/memory"
	pgstore "github.com/markolofsen/unrealon-sdk/internal/storage/postgres"
	"github.com/markolofsen/unrealon-sdk/internal/store"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

// App contains the wired service dependencies. Build constructs one; Run and
// RunSession drive it; Close releases every held resource.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	controller *control.Controller
	runner     *control.Runner
	apiServer  *api.Server
	hub        *progress.Hub

	recordStore parser.RecordStore
	ledger      parser.Ledger
	runRepo     store.RunRepository
	publisher   parser.Publisher
	deliverer   delivery.Deliverer
	source      parser.Source
	transformer parser.Transformer
	pace        parser.PacePolicy

	gcsClient *storage.Client
	natsPub   *natspublisher.Publisher
	pubsubPub *gcppublisher.Publisher
	pgLedger  *pgstore.Ledger
	pgRuns    *pgstore.RunStore
	browser   *browsersource.Source

	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error

	mu      sync.Mutex
	current *parser.Session
}

// Build wires every dependency selected by cfg. The returned App owns the
// resources it opened; call Close when done.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	logger.Info("building application dependencies",
		zap.String("session", cfg.Session.Name),
		zap.String("source", cfg.Source.Kind),
		zap.String("sink", cfg.Delivery.Sink),
		zap.String("storage", cfg.Storage.Backend),
	)

	app.controller = control.NewController(logger.Named("control"))
	app.runner = control.NewRunner(app.controller, logger.Named("runner"))
	app.transformer = parser.TransformerFunc(passthroughTransform)

	if err := setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err := setupDeliverer(app); err != nil {
		return nil, err
	}
	if err := setupSource(ctx, app); err != nil {
		return nil, err
	}
	setupPace(app)

	app.apiServer = api.NewServer(
		*cfg,
		app.controller,
		api.NewRunHandler(app.runRepo, logger.Named("api")),
		app.statusSnapshot,
		logger.Named("api"),
	)
	return app, nil
}

// SetTransformer replaces the default passthrough transform. Embedding
// applications call this before running a session.
func (a *App) SetTransformer(t parser.Transformer) {
	if t != nil {
		a.transformer = t
	}
}

// Controller exposes the cancellation controller, the command side of the
// cooperative cancellation protocol.
func (a *App) Controller() *control.Controller {
	return a.controller
}

// Handler exposes the control API router, mainly so embedding applications
// and tests can mount or exercise it without opening a port.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunSession executes one extraction run to completion. A stop request is a
// normal outcome and returns a nil error; the delivery summary has been
// logged either way.
func (a *App) RunSession(ctx context.Context) error {
	session, err := a.newSession()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.current = session
	a.mu.Unlock()

	summary, err := session.Run(ctx)
	switch {
	case errors.Is(err, control.ErrStopped):
		a.controller.MarkStopped()
		a.logger.Info("session stopped by request", zap.Int64("items", summary.Items))
		return nil
	case err != nil:
		return fmt.Errorf("session run: %w", err)
	}
	return nil
}

// Run serves the control API and drives one session. It blocks until a
// termination signal or an operator stop, then shuts everything down in
// order. Run history stays queryable after the session completes.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A signal is an operator stop: the session unwinds at its next
	// checkpoint and force-finishes the pipeline.
	go func() {
		<-ctx.Done()
		a.controller.Stop()
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("control api started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if err := a.RunSession(ctx); err != nil {
		a.logger.Error("session failed", zap.Error(err))
	}

	select {
	case <-ctx.Done():
	case <-a.controller.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Resource teardown stays with the caller (Close), so Run can be
	// restarted against the same wiring in tests.
	return nil
}

// Close releases resources: hub first so final events reach their sinks,
// then brokers, clients, and stores, observability last.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.natsPub != nil {
		if err := a.natsPub.Close(); err != nil {
			a.logger.Warn("nats publisher close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgLedger != nil {
		if err := a.pgLedger.Close(); err != nil {
			a.logger.Warn("ledger close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeObservability(ctx context.Context) {
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// newSession assembles a fresh pipeline and session for one run. Pipelines
// are single-use, so every run gets its own.
func (a *App) newSession() (*parser.Session, error) {
	idGen := uuid.NewUUIDGenerator()
	runID, err := idGen.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("assign run id: %w", err)
	}
	clock := system.New()
	sessionName := a.cfg.Session.Name

	deliverer := parser.LedgeredDeliverer(a.deliverer, a.ledger, sessionName, a.logger.Named("ledger"))
	pipeline := delivery.NewPipeline(deliverer, delivery.Config{
		Workers: a.cfg.Delivery.Workers,
		Logger:  a.logger.Named("pipeline"),
		OnProgress: func(snap delivery.Snapshot) {
			a.hub.Emit(progress.Event{
				RunID:   progress.UUIDToBytes(runID),
				TS:      clock.Now(),
				Stage:   progress.StageRunBatch,
				Session: sessionName,
				Counts:  snap,
			})
		},
	})

	return parser.NewSession(parser.Config{
		Session:         sessionName,
		RunID:           runID,
		Pages:           a.cfg.Session.Pages,
		Limit:           a.cfg.Session.Limit,
		UploadBatchSize: a.cfg.Session.UploadBatchSize,
		SkipDetails:     a.cfg.Session.SkipDetails,
		Resume:          a.cfg.Session.Resume,
	}, parser.Deps{
		Source:      a.source,
		Transformer: a.transformer,
		Pipeline:    pipeline,
		Runner:      a.runner,
		Store:       a.recordStore,
		Ledger:      a.ledger,
		Pace:        a.pace,
		Hub:         a.hub,
		IDs:         idGen,
		Clock:       clock,
		Logger:      a.logger,
	})
}

func (a *App) statusSnapshot() api.Status {
	a.mu.Lock()
	session := a.current
	a.mu.Unlock()
	status := api.Status{
		Session: a.cfg.Session.Name,
		State:   a.controller.State(),
	}
	if session != nil {
		status.Counts = session.Stats()
	}
	return status
}

func setupStorage(ctx context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init: %w", err)
		}
		app.gcsClient = client
		app.recordStore, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket:  cfg.Storage.GCSBucket,
			Prefix:  cfg.Storage.Prefix,
			Session: cfg.Session.Name,
		}, sha256.New())
		if err != nil {
			return fmt.Errorf("gcs record store init: %w", err)
		}
		app.logger.Info("using gcs record store", zap.String("bucket", cfg.Storage.GCSBucket))
	case "local":
		var err error
		app.recordStore, err = localstorage.New(localstorage.Config{
			RootDir: cfg.Storage.RootDir,
			Session: cfg.Session.Name,
		}, sha256.New())
		if err != nil {
			return fmt.Errorf("local record store init: %w", err)
		}
		app.logger.Info("using local record store", zap.String("root", cfg.Storage.RootDir))
	default:
		app.recordStore = memorystorage.NewRecordStore()
		app.logger.Info("using in-memory record store")
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.ledger = memorystorage.NewLedger()
		app.runRepo = memorystorage.NewRunRepo()
		app.logger.Info("no database configured, using in-memory ledger and run repo")
		return nil
	}
	ledger, err := pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.LedgerTable,
		MaxConns: int32(app.cfg.DB.MaxOpenConns),
		MinConns: int32(app.cfg.DB.MaxIdleConns),
	})
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	app.pgLedger = ledger
	app.ledger = ledger

	runs, err := pgstore.NewRunStore(ctx, app.cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("run store init: %w", err)
	}
	app.pgRuns = runs
	app.runRepo = runs
	app.logger.Info("postgres ledger and run store initialized",
		zap.String("ledger_table", app.cfg.DB.LedgerTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Publisher.Kind {
	case "pubsub":
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: cfg.Publisher.PubSub.ProjectID,
			Topic:     cfg.Publisher.Topic,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init: %w", err)
		}
		app.pubsubPub = pub
		app.publisher = pub
		app.logger.Info("pubsub publisher initialized",
			zap.String("project", cfg.Publisher.PubSub.ProjectID),
			zap.String("topic", cfg.Publisher.Topic))
	case "nats":
		pub, err := natspublisher.New(ctx, natspublisher.Config{
			URL:    cfg.Publisher.NATS.URL,
			Stream: cfg.Publisher.NATS.Stream,
		})
		if err != nil {
			return fmt.Errorf("nats publisher init: %w", err)
		}
		app.natsPub = pub
		app.publisher = pub
		app.logger.Info("nats publisher initialized", zap.String("url", cfg.Publisher.NATS.URL))
	case "memory":
		app.publisher = memorypublisher.New()
		app.logger.Info("using in-memory publisher")
	default:
		app.logger.Info("lifecycle publishing disabled")
	}
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	sinks := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress")),
	}
	// Registration collides when several Apps share one process (tests);
	// metrics then stay with the first registrant.
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	if app.runRepo != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(app.runRepo, app.logger.Named("run_store")))
	}
	if app.publisher != nil {
		sinks = append(sinks, progresssinks.NewPublisherSink(
			app.publisher,
			app.cfg.Publisher.Topic,
			app.logger.Named("lifecycle"),
		))
	}
	app.hub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinks...)
	return nil
}

func setupDeliverer(app *App) error {
	cfg := app.cfg
	switch cfg.Delivery.Sink {
	case "http":
		d, err := httpsink.New(httpsink.Config{
			Endpoint: cfg.Delivery.Endpoint,
			APIKey:   cfg.Delivery.APIKey,
			Timeout:  cfg.RequestTimeout(),
		})
		if err != nil {
			return fmt.Errorf("http deliverer init: %w", err)
		}
		app.deliverer = d
		app.logger.Info("using http deliverer", zap.String("endpoint", cfg.Delivery.Endpoint))
	default:
		app.deliverer = memorysink.New()
		app.logger.Info("using in-memory deliverer")
	}
	return nil
}

func setupSource(_ context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Source.Kind {
	case "api":
		src, err := apisource.New(apisource.Config{
			BaseURL:  cfg.Source.API.BaseURL,
			APIKey:   cfg.Source.API.APIKey,
			PageSize: cfg.Source.API.PageSize,
			Timeout:  cfg.RequestTimeout(),
		})
		if err != nil {
			return fmt.Errorf("api source init: %w", err)
		}
		app.source = src
	case "web":
		var escalation websource.Renderer
		if cfg.Headless.Enabled {
			rendered, err := setupBrowserSource(app)
			if err != nil {
				return err
			}
			escalation = rendered
		}
		src, err := websource.New(websource.Config{
			PageURLTemplate: cfg.Source.Web.PageURLTemplate,
			AllowedDomains:  cfg.Source.Web.AllowedDomains,
			UserAgent:       cfg.Source.Web.UserAgent,
			IgnoreRobots:    cfg.Source.Web.IgnoreRobots,
			ItemSelector:    cfg.Source.Web.ItemSelector,
			Timeout:         cfg.RequestTimeout(),
		}, detector.NewHeuristic(cfg.Headless.PromotionThresh), escalation)
		if err != nil {
			return fmt.Errorf("web source init: %w", err)
		}
		app.source = src
	case "browser":
		src, err := setupBrowserSource(app)
		if err != nil {
			return err
		}
		app.source = src
	default:
		return fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
	return nil
}

// setupBrowserSource builds the chromedp-backed rendering source. With
// headless disabled it degrades to a noop renderer that yields no items, so
// a misconfigured box fails soft instead of crashing on a missing browser.
func setupBrowserSource(app *App) (*browsersource.Source, error) {
	cfg := app.cfg
	bcfg := browsersource.Config{
		PageURLTemplate: cfg.Source.Web.PageURLTemplate,
		ItemSelector:    cfg.Source.Web.ItemSelector,
		UserAgent:       cfg.Source.Web.UserAgent,
		MaxParallel:     cfg.Headless.MaxParallel,
		NavTimeout:      time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	}
	var (
		src *browsersource.Source
		err error
	)
	if cfg.Headless.Enabled {
		src, err = browsersource.New(bcfg)
	} else {
		app.logger.Warn("headless rendering disabled, browser source will yield no items")
		src, err = browsersource.NewWithRenderer(bcfg, browsersource.NewNoop())
	}
	if err != nil {
		return nil, fmt.Errorf("browser source init: %w", err)
	}
	app.browser = src
	return src, nil
}

func setupPace(app *App) {
	cfg := app.cfg
	switch cfg.Pace.Kind {
	case "ratelimit":
		app.pace = ratelimit.New(ratelimit.Config{
			PagesPerSecond: cfg.Pace.PagesPerSecond,
			Burst:          cfg.Pace.Burst,
			Session:        cfg.Session.Name,
		})
		app.logger.Info("page pacing via rate limiter",
			zap.Float64("pages_per_second", cfg.Pace.PagesPerSecond))
	case "simple":
		app.pace = simple.New(cfg.Pace.Delay())
		app.logger.Info("page pacing via fixed delay", zap.Duration("delay", cfg.Pace.Delay()))
	default:
		app.logger.Info("page pacing disabled")
	}
}

func passthroughTransform(_ context.Context, raw delivery.Record) (delivery.Record, error) {
	return raw, nil
}
