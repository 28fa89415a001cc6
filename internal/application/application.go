// Package application wires C1-C6 together into the running process: the
// Repository, Cache, Registry, optional Relay, HTTP router, and the
// periodic stats emitter, following the teacher's NewAPI/Run split in
// internal/application (migrate, open db, build router, then block on
// ctx.Done() for graceful shutdown).
package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/cache"
	"github.com/psds-microservice/whiteboard-hub/internal/config"
	"github.com/psds-microservice/whiteboard-hub/internal/database"
	"github.com/psds-microservice/whiteboard-hub/internal/handler"
	"github.com/psds-microservice/whiteboard-hub/internal/registry"
	"github.com/psds-microservice/whiteboard-hub/internal/relay"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"github.com/psds-microservice/whiteboard-hub/internal/router"
	"github.com/psds-microservice/whiteboard-hub/internal/statsbuf"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// API is the HTTP + WebSocket whiteboard hub process.
type API struct {
	cfg       *config.Config
	srv       *http.Server
	db        *gorm.DB
	log       *zap.Logger
	cache     *cache.Cache
	registry  *registry.Registry
	repo      repository.Repository
	relay     relay.OutboundRelay
	wsHandler *handler.WSHandler
	statsbuf  *statsbuf.Buffer
}

// NewAPI creates the API application: validates config, runs migrations,
// opens the database, and builds every C1-C6 component plus the router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}

	repo := repository.New(db, logger)
	reg := registry.New()
	c := cache.New(repo, logger, cfg.SnapshotInterval, cfg.SnapshotKeep, cfg.IdleDestroyGrace)

	var rel relay.OutboundRelay = relay.Noop{}
	if cfg.RedisAddr != "" {
		rel = relay.NewRedis(cfg.RedisAddr, logger)
	}

	var buf *statsbuf.Buffer
	if cfg.StatsBufferPath != "" {
		buf, err = statsbuf.Open(cfg.StatsBufferPath)
		if err != nil {
			return nil, fmt.Errorf("statsbuf: %w", err)
		}
	}

	wsHandler := handler.NewWSHandler(repo, c, reg, rel, logger, handler.Config{
		ReadBufferSize:    cfg.WSReadBufferSize,
		WriteBufferSize:   cfg.WSWriteBufferSize,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		OutboundQueue:     cfg.OutboundQueue,
		ApplyQueue:        cfg.ApplyQueue,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		WriteDeadline:     cfg.WriteDeadline,
		CORSOrigin:        cfg.CORSOrigin,
	})
	roomHandler := handler.NewRoomHandler(repo)
	statsHandler := handler.NewStatsHandler(repo, reg)
	health := handler.NewHealthHandler()

	r := router.New(roomHandler, statsHandler, wsHandler, health)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:       cfg,
		srv:       srv,
		db:        db,
		log:       logger,
		cache:     c,
		registry:  reg,
		repo:      repo,
		relay:     rel,
		wsHandler: wsHandler,
		statsbuf:  buf,
	}, nil
}

// Run starts the HTTP server and the periodic stats emitter, blocks until
// ctx is cancelled, then shuts everything down gracefully: stop accepting
// new connections, force-teardown live sessions, flush dirty documents,
// close the relay and the database.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("listening",
		zap.String("addr", a.srv.Addr),
		zap.String("health", base+"/health"),
		zap.String("ready", base+"/ready"),
		zap.String("rooms", base+"/api/rooms"),
		zap.String("ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws"),
	)

	emitterCtx, stopEmitter := context.WithCancel(ctx)
	defer stopEmitter()
	go a.runStatsEmitter(emitterCtx)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go a.relay.Subscribe(relayCtx, func(roomID string, frame []byte) {
		a.registry.Broadcast(roomID, frame, "")
	})

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}

	a.wsHandler.Shutdown(a.cfg.ShutdownDrain)
	a.cache.SaveAll()
	_ = a.relay.Close()
	if a.statsbuf != nil {
		_ = a.statsbuf.Close()
	}
	_ = a.log.Sync()

	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// runStatsEmitter samples the Registry and Repository every interval and
// logs the result, buffering to statsbuf when the store transiently
// rejects the Repository.Stats() call (§ DOMAIN STACK: bbolt) so a sample
// isn't silently lost while the primary store recovers.
func (a *API) runStatsEmitter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleStats()
		}
	}
}

func (a *API) sampleStats() {
	liveRooms, liveSessions := a.registry.Stats()
	roomCount, participantCount, err := a.repo.Stats()
	if err != nil {
		if a.statsbuf != nil {
			sample := statsbuf.Sample{
				Timestamp:    time.Now().Unix(),
				RoomCount:    liveRooms,
				SessionCount: liveSessions,
			}
			if bufErr := a.statsbuf.Enqueue(sample); bufErr != nil {
				a.log.Warn("stats buffer enqueue failed", zap.Error(bufErr))
			}
		}
		a.log.Warn("stats: repository unavailable", zap.Error(err))
		return
	}
	a.log.Info("stats",
		zap.Int("live_rooms", liveRooms),
		zap.Int("live_sessions", liveSessions),
		zap.Int64("total_rooms", roomCount),
		zap.Int64("total_participants", participantCount),
	)
	a.drainBufferedStats()
}

func (a *API) drainBufferedStats() {
	if a.statsbuf == nil {
		return
	}
	n, err := a.statsbuf.Len()
	if err != nil || n == 0 {
		return
	}
	samples, err := a.statsbuf.Drain()
	if err != nil {
		a.log.Warn("stats buffer drain failed", zap.Error(err))
		return
	}
	for _, s := range samples {
		a.log.Info("stats (buffered)",
			zap.Int64("ts", s.Timestamp),
			zap.Int("live_rooms", s.RoomCount),
			zap.Int("live_sessions", s.SessionCount),
		)
	}
	a.log.Info("stats: replayed buffered samples", zap.Int("count", len(samples)))
}
