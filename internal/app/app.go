package app

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/config"
	"github.com/markdave123-py/docanchor/internal/core"
	db "github.com/markdave123-py/docanchor/internal/core/database"
	docsource "github.com/markdave123-py/docanchor/internal/core/document-source"
	"github.com/markdave123-py/docanchor/internal/core/events"
	extraction "github.com/markdave123-py/docanchor/internal/core/extraction_engine"
	"github.com/markdave123-py/docanchor/internal/core/guard"
	objectclient "github.com/markdave123-py/docanchor/internal/core/object-client"
	"github.com/markdave123-py/docanchor/internal/core/textstore"
	"github.com/markdave123-py/docanchor/internal/core/viewer"
	"github.com/markdave123-py/docanchor/internal/infra"
	"github.com/markdave123-py/docanchor/internal/services"
)

const renderConcurrency = 4

type App struct {
	Log          *logrus.Logger
	DBClient     *db.DatabaseClient
	ObjectClient core.ObjectClient
	Guard        *guard.Guard
	Bus          *events.Bus
	Extractor    *extraction.Extractor
	Sessions     *viewer.Manager
	Server       *Server

	stopWorkers context.CancelFunc
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := infra.NewLogger(cfg.LogLevel, cfg.LogFormat)

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database initialized and ready")

	var objClient core.ObjectClient
	if cfg.AwsAccessKey != "" {
		s3c, err := objectclient.NewS3Client(appCtx, cfg, infra.Component(log, "s3"))
		if err != nil {
			_ = dbClient.Close()
			return nil, err
		}
		objClient = s3c
		log.Info("object client initialized and ready")
	} else {
		log.Warn("AWS credentials not set; only file:// locators can be opened")
	}

	var store core.TextStore = dbClient
	if cfg.TextStoreURL != "" {
		ts, err := textstore.New(cfg.TextStoreURL, cfg.TextStoreToken, &http.Client{Timeout: cfg.ExtractPersistTimeout}, infra.Component(log, "textstore"))
		if err != nil {
			_ = dbClient.Close()
			return nil, err
		}
		store = ts
		log.WithField("url", cfg.TextStoreURL).Info("extracted text goes to the text storage API")
	}

	// One guard per process: every session and the extractor share it.
	g := guard.New(guardOptions(cfg), infra.Component(log, "guard"))
	bus := events.NewBus(64)

	source := docsource.NewSource(objClient, docsource.Options{LocalRoot: cfg.LocalDocumentRoot}, infra.Component(log, "docsource"))

	docService := services.NewDocumentService(dbClient, cfg.BucketName, infra.Component(log, "documents"))

	extractor := extraction.NewExtractor(source, store, g, bus, extraction.ExtractConfig{
		BatchSize:      cfg.ExtractBatchSize,
		RetryDelay:     cfg.ExtractRetryDelay,
		PersistTimeout: cfg.ExtractPersistTimeout,
	}, infra.Component(log, "extractor"))
	extractor.OnPersisted(docService.MarkExtracted)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	extractor.Start(workerCtx, cfg.ExtractWorkers)

	sessions := viewer.NewManager(viewer.Deps{
		Guard:     g,
		Source:    source,
		Extractor: extractor,
		Bus:       bus,
		Log:       infra.Component(log, "viewer"),
	}, viewer.Options{
		PixelRatio:        cfg.PixelRatio,
		DefaultScale:      cfg.DefaultScale,
		RenderConcurrency: renderConcurrency,
	})

	server := NewServer(cfg, Deps{
		Log:       log,
		DB:        dbClient,
		Guard:     g,
		Bus:       bus,
		Sessions:  sessions,
		Documents: docService,
		Extractor: extractor,
	})

	return &App{
		Log:          log,
		DBClient:     dbClient,
		ObjectClient: objClient,
		Guard:        g,
		Bus:          bus,
		Extractor:    extractor,
		Sessions:     sessions,
		Server:       server,
		stopWorkers:  stopWorkers,
	}, nil
}

// Close tears the sessions down, stops the workers and closes the database.
func (a *App) Close(ctx context.Context) {
	if a.Sessions != nil {
		a.Sessions.CloseAll(ctx)
	}
	if a.stopWorkers != nil {
		a.stopWorkers()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}

func guardOptions(cfg *config.Config) guard.Options {
	return guard.Options{
		PollInterval: cfg.GuardPollInterval,
		PollAttempts: cfg.GuardPollAttempts,
		Cooldown:     cfg.GuardCooldown,
		SettleDelay:  cfg.GuardSettleDelay,
	}
}
