package bootstrap

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"mailhub_server/adapter/out/ai"
	mongostore "mailhub_server/adapter/out/mongodb"
	"mailhub_server/adapter/out/persistence"
	"mailhub_server/adapter/out/provider"
	"mailhub_server/config"
	"mailhub_server/core/service/automation"
	"mailhub_server/core/service/offline"
	"mailhub_server/core/service/sync"
	"mailhub_server/infra/database"
	"mailhub_server/pkg/cache"
	"mailhub_server/pkg/crypto"
	"mailhub_server/pkg/logger"
	"mailhub_server/pkg/ratelimit"
	"mailhub_server/pkg/snowflake"
)

type Dependencies struct {
	Config  *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	AccountRepo    *persistence.AccountAdapter
	CredentialRepo *persistence.CredentialAdapter
	MessageRepo    *persistence.MessageAdapter
	BodyRepo       *mongostore.BodyAdapter
	SyncRunRepo    *persistence.SyncRunAdapter
	OperationRepo  *persistence.OperationAdapter
	ActionLogRepo  *persistence.ActionLogAdapter
	SettingsRepo   *persistence.CachedSettingsAdapter
	OutboxRepo     *persistence.OutboxAdapter

	// Redis-backed guards
	ReplyBudget  *persistence.RedisReplyBudget
	ReplyDeduper *persistence.RedisReplyDeduper
	RateLimiter  *ratelimit.SlidingWindowLimiter

	// Providers
	Providers *provider.Factory

	// AI
	Decision *ai.OpenAIDecision

	// Services
	Tracker    *sync.Tracker
	Runner     *sync.Runner
	Scheduler  *sync.Scheduler
	Queue      *offline.Queue
	Dispatcher *offline.Dispatcher
	Pipeline   *automation.Pipeline
}

// NewDependencies wires every adapter and service. The returned cleanup
// closes all backing connections in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Logger()

	// Entity ID generator. WORKER_ID로 인스턴스를 구분한다.
	if err := snowflake.Init(int64(workerID())); err != nil {
		return nil, nil, err
	}

	// Credential encryption
	if err := crypto.Init(); err != nil {
		return nil, nil, err
	}

	// PostgreSQL
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	// Redis
	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	// MongoDB (message bodies)
	mongoClient, err := mongostore.NewClient(cfg.MongoDBURL)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}
	mongoDB := mongoClient.Database(cfg.MongoDBName)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.WithError(err).Warn("MongoDB disconnect failed")
		}
		if err := rdb.Close(); err != nil {
			logger.WithError(err).Warn("Redis close failed")
		}
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("PostgreSQL close failed")
		}
	}

	// Repositories
	accountRepo := persistence.NewAccountAdapter(db)
	credentialRepo := persistence.NewCredentialAdapter(db, crypto.GetEncryptor())
	messageRepo := persistence.NewMessageAdapter(db)
	syncRunRepo := persistence.NewSyncRunAdapter(db)
	operationRepo := persistence.NewOperationAdapter(db)
	actionLogRepo := persistence.NewActionLogAdapter(db)

	bodyRepo := mongostore.NewBodyAdapter(mongoDB)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := bodyRepo.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("MongoDB index creation failed")
		}
		cancel()
	}

	redisCache := cache.NewRedisCache(rdb)
	settingsRepo := persistence.NewCachedSettingsAdapter(
		persistence.NewAutomationSettingsAdapter(db), redisCache)

	replyBudget := persistence.NewRedisReplyBudget(rdb)
	replyDeduper := persistence.NewRedisReplyDeduper(rdb)

	// Providers
	gmailClient := provider.NewGmailClient(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	imapClient := provider.NewImapClient()
	providers := provider.NewFactory(gmailClient, imapClient)

	// AI decision service
	decision := ai.NewOpenAIDecision(&ai.DecisionConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		CallTimeout: time.Duration(cfg.LLMTimeoutSec) * time.Second,
	}, zlog)

	// Services
	tracker := sync.NewTracker(syncRunRepo)

	runner := sync.NewRunner(accountRepo, credentialRepo, providers, tracker,
		messageRepo, bodyRepo, sync.RunnerConfig{
			BatchSize:      cfg.SyncBatchSize,
			MaxPerRun:      cfg.SyncMaxPerRun,
			ConnectTimeout: cfg.SyncConnectTimeout,
		})

	scheduler := sync.NewScheduler(accountRepo, runner, sync.SchedulerConfig{
		Enabled:          cfg.SchedulerEnabled,
		DefaultInterval:  cfg.SyncDefaultInterval,
		RescanInterval:   cfg.SchedulerRescanEvery,
		BootDelay:        cfg.SchedulerBootDelay,
		MaxConcurrent:    cfg.SchedulerMaxConcurrent,
		FailureThreshold: cfg.SyncFailureThreshold,
	}, zlog)

	queue := offline.NewQueue(operationRepo, messageRepo, replyDeduper)
	queue.SetResourceConcurrency(cfg.QueueResourceConcurrency)

	outboxRepo := persistence.NewOutboxAdapter(db)
	dispatcher := offline.NewDispatcher(outboxRepo, accountRepo, credentialRepo,
		providers, offline.DispatcherConfig{
			Enabled:   cfg.OutboxEnabled,
			Interval:  cfg.OutboxDispatchInterval,
			BatchSize: cfg.OutboxBatchSize,
		}, zlog)

	pipeline := automation.NewPipeline(accountRepo, messageRepo, bodyRepo,
		settingsRepo, actionLogRepo, replyBudget, replyDeduper, decision,
		automation.PipelineConfig{
			Enabled:          cfg.PipelineEnabled,
			SweepInterval:    cfg.PipelineSweepInterval,
			UserConcurrency:  cfg.PipelineUserConcurrency,
			MessagesPerSweep: cfg.PipelineMessagesPerSweep,
		}, zlog)

	deps := &Dependencies{
		Config:  cfg,
		DB:      db,
		Redis:   rdb,
		MongoDB: mongoClient,

		AccountRepo:    accountRepo,
		CredentialRepo: credentialRepo,
		MessageRepo:    messageRepo,
		BodyRepo:       bodyRepo,
		SyncRunRepo:    syncRunRepo,
		OperationRepo:  operationRepo,
		ActionLogRepo:  actionLogRepo,
		SettingsRepo:   settingsRepo,
		OutboxRepo:     outboxRepo,

		ReplyBudget:  replyBudget,
		ReplyDeduper: replyDeduper,
		RateLimiter:  ratelimit.NewSlidingWindowLimiter(rdb, 20, 40),

		Providers: providers,
		Decision:  decision,

		Tracker:    tracker,
		Runner:     runner,
		Scheduler:  scheduler,
		Queue:      queue,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
	}

	logger.Info("Dependencies initialized")
	return deps, cleanup, nil
}

// workerID distinguishes instances for ID generation. 단일 인스턴스 배포는
// 기본값 1을 쓴다.
func workerID() int {
	v := os.Getenv("WORKER_ID")
	if v == "" {
		return 1
	}
	id, err := strconv.Atoi(v)
	if err != nil || id < 0 {
		return 1
	}
	return id
}
