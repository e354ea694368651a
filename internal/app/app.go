package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/auth"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/broadcast"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/config"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/database"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/notify"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/pipeline"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/server"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/users"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Application holds the wired components of the API process.
type Application struct {
	Handler  http.Handler
	Pipeline *pipeline.Pipeline
	Votes    *votes.Service
	Hub      *realtime.Hub
	Issuer   *auth.TokenIssuer

	db     *gorm.DB
	logger *zap.Logger
}

// New opens storage and wires the request layer, the realtime hub, and the background
// pipeline. The pipeline is returned stopped.
func New(cfg config.AppConfig, logger *zap.Logger) (*Application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	databasePath := cfg.DatabasePath
	if cfg.DatabaseDriver == config.DatabaseDriverMemory {
		databasePath = database.InMemoryPath
	}
	db, err := database.Open(database.Options{Path: databasePath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	application, err := wire(cfg, db, logger)
	if err != nil {
		closeDatabase(db)
		return nil, err
	}
	return application, nil
}

func wire(cfg config.AppConfig, db *gorm.DB, logger *zap.Logger) (*Application, error) {
	var store votes.Store
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverMemory:
		store = votes.NewMemoryStore(time.Now)
	default:
		gormStore, err := votes.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		store = gormStore
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: cfg.RealtimeBufferSize,
		Logger:     logger.Named("realtime"),
	})
	changes := notify.NewChannel(time.Now)
	queue := votes.NewCastQueue()

	voteService, err := votes.NewService(votes.ServiceConfig{
		Store:      store,
		Queue:      queue,
		Notifier:   changes,
		Groups:     hub,
		IDProvider: votes.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger.Named("votes"),
		MaxRetries: cfg.Cast.MaxRetries,
		JitterMin:  cfg.Cast.JitterMin,
		JitterMax:  cfg.Cast.JitterMax,
	})
	if err != nil {
		return nil, err
	}

	processor, err := votes.NewProcessor(votes.ProcessorConfig{
		Queue:    queue,
		Store:    store,
		Voters:   directory,
		Notifier: changes,
		Clock:    time.Now,
		Logger:   logger.Named("processor"),
	})
	if err != nil {
		return nil, err
	}

	broadcaster, err := broadcast.NewBroadcaster(broadcast.Config{
		Changes:       changes,
		Votes:         store,
		Pusher:        hub,
		MaxHoldCount:  cfg.Broadcast.MaxHoldCount,
		WaitWindow:    cfg.Broadcast.WaitWindow,
		TickInterval:  cfg.Broadcast.TickInterval,
		SweepInterval: cfg.Broadcast.SweepInterval,
		Clock:         time.Now,
		Logger:        logger.Named("broadcast"),
	})
	if err != nil {
		return nil, err
	}

	backgroundPipeline, err := pipeline.New(pipeline.Config{
		Queue:       queue,
		Changes:     changes,
		Processor:   processor,
		Broadcaster: broadcaster,
		Logger:      logger.Named("pipeline"),
	})
	if err != nil {
		return nil, err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.AuthSigningKey),
		Issuer:        cfg.AuthIssuer,
		CookieName:    cfg.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningKey),
		Issuer:        cfg.AuthIssuer,
		TokenTTL:      cfg.AuthTokenTTL,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          validator,
		Users:             directory,
		Votes:             voteService,
		Hub:               hub,
		HeartbeatInterval: cfg.RealtimeHeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}

	return &Application{
		Handler:  handler,
		Pipeline: backgroundPipeline,
		Votes:    voteService,
		Hub:      hub,
		Issuer:   issuer,
		db:       db,
		logger:   logger,
	}, nil
}

// Close releases the database connection.
func (a *Application) Close() error {
	if a == nil || a.db == nil {
		return errors.New("app: not initialized")
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
