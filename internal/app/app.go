// Package app wires the engine: store, queue, step handlers, mirror, and the
// operator HTTP surface. One process runs everything; horizontal scale comes
// from running more processes against the same Redis and Postgres.
package app

import (
	"context"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/media"
	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/db"
	"github.com/make-ware/video-ware-sub003/internal/enqueuer"
	"github.com/make-ware/video-ware-sub003/internal/events"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	enginehttp "github.com/make-ware/video-ware-sub003/internal/http"
	httpH "github.com/make-ware/video-ware-sub003/internal/http/handlers"
	"github.com/make-ware/video-ware-sub003/internal/mirror"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/platform/gcp"
	"github.com/make-ware/video-ware-sub003/internal/platform/localmedia"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
	"github.com/make-ware/video-ware-sub003/internal/steps"
	"github.com/make-ware/video-ware-sub003/internal/steps/labels"
	"github.com/make-ware/video-ware-sub003/internal/steps/render"
	"github.com/make-ware/video-ware-sub003/internal/steps/transcode"
	"github.com/make-ware/video-ware-sub003/internal/storage"
	"github.com/make-ware/video-ware-sub003/internal/worker"
)

type App struct {
	Log *logger.Logger
	Cfg Config

	DB    *db.Service
	RDB   *goredis.Client
	Queue *queue.FlowQueue
	Bus   events.Bus
	Store *storage.Store

	Tasks    tasks.TaskRepo
	Registry *steps.Registry
	Mirror   *mirror.Mirror

	Enqueuer   *enqueuer.Enqueuer
	Reconciler *mirror.Reconciler
	Sweeper    *worker.Sweeper
	Server     *enginehttp.Server

	gcpVideo  gcp.Video
	gcpSpeech gcp.Speech

	shutdownOTel func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig()
	metrics := observability.Init(log)
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "video-ware",
		Environment: cfg.Env,
		Version:     cfg.Version,
	})

	dbService, err := db.New(log)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	theDB := dbService.DB()

	rdb, err := queue.Connect(log)
	if err != nil {
		return nil, fmt.Errorf("connect queue backend: %w", err)
	}
	q := queue.New(rdb, log)

	bus, err := events.NewRedisBus(log, rdb)
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	store, err := storage.Open(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	taskRepo := tasks.NewTaskRepo(theDB, log)
	uploadRepo := media.NewUploadRepo(theDB, log)
	mediaRepo := media.NewMediaRepo(theDB, log)
	renderRepo := media.NewRenderRepo(theDB, log)

	reg, video, speech, err := buildRegistry(log, store, uploadRepo, mediaRepo, renderRepo)
	if err != nil {
		return nil, err
	}

	m := mirror.New(log, taskRepo, bus)

	opts, err := flow.LoadOpts()
	if err != nil {
		return nil, fmt.Errorf("load step opts: %w", err)
	}

	server := enginehttp.NewServer(enginehttp.RouterConfig{
		Log:           log,
		Metrics:       metrics,
		TaskHandler:   httpH.NewTaskHandler(log, taskRepo, m),
		HealthHandler: httpH.NewHealthHandler(log, theDB, q, store),
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           dbService,
		RDB:          rdb,
		Queue:        q,
		Bus:          bus,
		Store:        store,
		Tasks:        taskRepo,
		Registry:     reg,
		Mirror:       m,
		Enqueuer:     enqueuer.New(log, taskRepo, q, opts, m, bus),
		Reconciler:   mirror.NewReconciler(log, taskRepo, q, m),
		Sweeper:      worker.NewSweeper(log, q),
		Server:       server,
		gcpVideo:     video,
		gcpSpeech:    speech,
		shutdownOTel: shutdownOTel,
	}, nil
}

// buildRegistry registers every step handler and asserts the table is
// complete, so a missing handler fails startup instead of a flow.
func buildRegistry(log *logger.Logger, store *storage.Store, uploads media.UploadRepo, mediaRepo media.MediaRepo, renders media.RenderRepo) (*steps.Registry, gcp.Video, gcp.Speech, error) {
	tools := localmedia.New(log)

	bucket, err := gcp.NewBucketService(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init gcs bucket: %w", err)
	}
	video, err := gcp.NewVideo(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init video intelligence: %w", err)
	}
	speech, err := gcp.NewSpeech(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init speech: %w", err)
	}

	reg := steps.NewRegistry()
	if err := transcode.Register(reg, transcode.Deps{
		Log:     log,
		Tools:   tools,
		Store:   store,
		Media:   mediaRepo,
		Uploads: uploads,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("register transcode steps: %w", err)
	}
	if err := labels.Register(reg, labels.Deps{
		Log:     log,
		Tools:   tools,
		Store:   store,
		Uploads: uploads,
		Bucket:  bucket,
		Video:   video,
		Speech:  speech,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("register labels steps: %w", err)
	}
	if err := render.Register(reg, render.Deps{
		Log:     log,
		Tools:   tools,
		Store:   store,
		Uploads: uploads,
		Renders: renders,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("register render steps: %w", err)
	}
	if err := reg.AssertComplete(); err != nil {
		return nil, nil, nil, err
	}
	return reg, video, speech, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if metrics := observability.Current(); metrics != nil {
		metrics.StartPostgresCollector(gctx, a.Log, a.DB.DB())
		metrics.StartQueueCollector(gctx, a.Log, a.Queue)
		metrics.StartServer(gctx, a.Log, a.Cfg.MetricsAddr)
	}

	for queueName, n := range a.Cfg.WorkerConcurrency {
		for i := 0; i < n; i++ {
			w := worker.New(a.Log, a.Queue, a.Registry, a.Mirror, a.Tasks, queueName)
			g.Go(func() error { return w.Run(gctx) })
		}
		a.Log.Info("workers started", "queue", queueName, "concurrency", n)
	}

	g.Go(func() error { return a.Enqueuer.Run(gctx) })
	g.Go(func() error { return a.Sweeper.Run(gctx) })
	g.Go(func() error { return a.Reconciler.Run(gctx) })
	g.Go(func() error { return a.Server.Run(gctx, a.Cfg.HTTPAddr) })

	a.Log.Info("engine running", "http_addr", a.Cfg.HTTPAddr)
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx := context.Background()
	if a.shutdownOTel != nil {
		_ = a.shutdownOTel(ctx)
	}
	if a.gcpVideo != nil {
		_ = a.gcpVideo.Close()
	}
	if a.gcpSpeech != nil {
		_ = a.gcpSpeech.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.RDB != nil {
		_ = a.RDB.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
