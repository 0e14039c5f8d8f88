package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/database"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/users"
	"go.uber.org/zap"
)

// application holds the services shared by the server and the CLI commands.
type application struct {
	config        config.AppConfig
	logger        *zap.Logger
	sqlDB         *sql.DB
	quests        *quests.Service
	memos         *memos.Service
	users         *users.Service
	subscriptions *push.Store
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.LogLevel,
		Format:     appConfig.LogFormat,
		File:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(database.Options{
		Path:     appConfig.DatabasePath,
		LogLevel: appConfig.DatabaseLogLevel,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	cal, err := newCalendar(appConfig)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	idProvider := ids.NewUUIDProvider()
	questService, err := quests.NewService(quests.ServiceConfig{
		Repository: quests.NewGormRepository(db, time.Now),
		Calendar:   cal,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		SkipPolicy: skipPolicy(appConfig.QuestSkipPolicy),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	memoService, err := memos.NewService(memos.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store, err := push.NewStore(db, idProvider, time.Now)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &application{
		config:        appConfig,
		logger:        logger,
		sqlDB:         sqlDB,
		quests:        questService,
		memos:         memoService,
		users:         userService,
		subscriptions: store,
	}, nil
}

func (a *application) newBroadcaster() (*push.Broadcaster, error) {
	sender, err := push.NewWebPushSender(push.WebPushConfig{
		VAPIDPublicKey:  a.config.VAPIDPublicKey,
		VAPIDPrivateKey: a.config.VAPIDPrivateKey,
		Subscriber:      a.config.PushSubscriber,
		TTLSeconds:      a.config.PushTTLSeconds,
	})
	if err != nil {
		return nil, err
	}
	return push.NewBroadcaster(push.BroadcasterConfig{
		Subscriptions: a.subscriptions,
		Sender:        sender,
		Batches:       a.config.NotifyBatchCount,
		Interval:      a.config.NotifyBatchInterval,
		Concurrency:   a.config.NotifyConcurrency,
		Logger:        a.logger,
	})
}

// repairOrders densifies every bucket. Failing buckets are logged and reported, the rest are still repaired.
func (a *application) repairOrders(ctx context.Context) (quests.RepairReport, error) {
	report, err := a.quests.RepairAll(ctx)
	if err != nil {
		a.logger.Warn("order repair incomplete",
			zap.Int("buckets", report.Buckets),
			zap.Int("rows_rewritten", report.RowsRewritten),
			zap.Error(err),
		)
		return report, err
	}
	a.logger.Info("order repair finished",
		zap.Int("buckets", report.Buckets),
		zap.Int("rows_rewritten", report.RowsRewritten),
	)
	return report, nil
}

func (a *application) close() {
	if err := a.sqlDB.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newCalendar(appConfig config.AppConfig) (*calendar.Calendar, error) {
	location, err := calendar.LoadLocation(appConfig.CalendarTimeZone)
	if err != nil {
		return nil, fmt.Errorf("calendar.time_zone: %w", err)
	}
	terms := calendar.WorkdayTerms()
	if appConfig.CalendarTermSet == config.TermSetFullDay {
		terms = calendar.FullDayTerms()
	}
	return calendar.New(calendar.Config{
		Terms:    terms,
		Location: location,
	})
}

func skipPolicy(name string) quests.SkipPolicy {
	if name == config.SkipPolicyPreserveOrder {
		return quests.SkipPreserveOrder
	}
	return quests.SkipCompact
}
