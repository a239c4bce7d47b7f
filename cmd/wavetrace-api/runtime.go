package main

import (
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/cadence"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/config"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/database"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds the process-wide dependencies shared by every subcommand.
type runtime struct {
	config    config.AppConfig
	logger    *zap.Logger
	database  *gorm.DB
	events    *eventlog.Store
	snapshots *snapshots.Store
	manager   *documents.Manager[canvas.State]
	registry  *prometheus.Registry
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.NewStore(eventlog.StoreConfig{
		Database:   db,
		IDProvider: eventlog.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	snapshotStore, err := snapshots.NewStore(snapshots.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := telemetry.NewPrometheusSink(registry)

	dispatcher, err := canvas.NewDispatcher()
	if err != nil {
		return nil, err
	}

	snapshotConfig := appConfig.Snapshot
	manager, err := documents.NewManager(documents.ManagerConfig[canvas.State]{
		Events:     events,
		Snapshots:  snapshotStore,
		Dispatcher: dispatcher,
		NewState:   canvas.NewState,
		Sizer:      canvas.Size,
		Cadence: cadence.Config{
			BaseInterval:    snapshotConfig.BaseInterval,
			BurstMultiplier: snapshotConfig.BurstMultiplier,
			IdleMultiplier:  snapshotConfig.IdleMultiplier,
			BurstThreshold:  snapshotConfig.BurstThreshold,
			IdleThreshold:   snapshotConfig.IdleThreshold,
			ActivityWindow:  snapshotConfig.ActivityWindow,
		},
		Compress:              snapshotConfig.Compression,
		SnapshotQueueCapacity: snapshotConfig.QueueCapacity,
		Retention: snapshots.RetentionPolicy{
			KeepLatest: snapshotConfig.RetainCount,
			MaxAge:     snapshotConfig.MaxAge,
		},
		CheckpointInterval:    appConfig.Checkpoint.Interval,
		CheckpointBudgetBytes: appConfig.Checkpoint.MemoryBudgetBytes,
		RecoveryBudget:        appConfig.RecoveryBudget,
		Logger:                logger,
		Sink:                  sink,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		config:    appConfig,
		logger:    logger,
		database:  db,
		events:    events,
		snapshots: snapshotStore,
		manager:   manager,
		registry:  registry,
	}, nil
}

func (rt *runtime) close() {
	if sqlDB, err := rt.database.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			rt.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}
