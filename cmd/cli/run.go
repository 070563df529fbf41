package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nexusdesk/internal/config"
	"nexusdesk/internal/handlers"
	"nexusdesk/internal/llm"
	"nexusdesk/internal/observability"
	"nexusdesk/internal/repository"
	"nexusdesk/internal/services"
	"nexusdesk/pkg/knowledge"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var flagAutoMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the nexusdesk API server",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", false, "run schema migration before serving")
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		appLogger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	db, err := openDatabase(cfg)
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if flagAutoMigrate {
		if err := repository.AutoMigrate(db); err != nil {
			appLogger.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// 多实例部署时用 Redis 分布式锁
	var locker services.TicketLocker = services.NewMemoryLocker()
	var redisClient redis.UniversalClient
	if cfg.Locking.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		locker = services.NewRedisLocker(redisClient, cfg.Locking.TTL)
	}

	model, err := llm.New(ctx, cfg.AI)
	if err != nil {
		// 没有模型时 AI 回复全部走兜底文案
		appLogger.Warnf("AI model unavailable, replies will use fallback: %v", err)
	}

	var (
		searcher knowledge.Searcher
		kc       *knowledge.Client
	)
	if cfg.Knowledge.Enabled {
		kc = knowledge.NewClient(&knowledge.Config{
			BaseURL:        cfg.Knowledge.BaseURL,
			APIKey:         cfg.Knowledge.APIKey,
			Timeout:        cfg.Knowledge.Timeout,
			MaxRetries:     cfg.Knowledge.MaxRetries,
			RetryDelay:     200 * time.Millisecond,
			Limit:          cfg.Knowledge.Limit,
			ScoreThreshold: cfg.Knowledge.ScoreThreshold,
		}, appLogger)
		searcher = kc
	}

	// 初始化服务
	store := repository.NewStore(db, appLogger)
	quota := services.NewQuotaGuard(store, store, cfg.QuotaLocation(), appLogger)
	router := services.NewAIRouter(model, searcher, cfg.AI, appLogger)
	engine := services.NewThreadEngine(store, store, quota, router, locker, appLogger)
	hub := services.NewTicketHub(appLogger)
	engine.SetPublisher(hub)
	go hub.Run(ctx)

	health := handlers.NewHealthHandler(Version, router, hub, appLogger).
		AddCheck("database", true, handlers.DatabaseCheck(db))
	if redisClient != nil {
		health.AddCheck("redis", true, handlers.RedisCheck(redisClient))
	}
	if kc != nil {
		health.AddCheck("knowledge", false, kc.HealthCheck)
	}

	// 设置 Gin 模式
	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := handlers.NewRouter(cfg, handlers.Services{
		Tickets:      services.NewTicketService(store, engine, appLogger),
		Engine:       engine,
		Appointments: services.NewAppointmentNegotiator(engine, quota, services.NewUndoRegistry(cfg.Appointment.UndoWindow), appLogger),
		Agents:       services.NewAgentDirectory(store, quota, locker, appLogger),
		Quota:        quota,
		Hub:          hub,
		Health:       health,
	}, appLogger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler,
	}

	// 启动服务器
	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Errorf("tracing shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}

// openDatabase 连接 Postgres，启用追踪时挂载 gorm OpenTelemetry 插件
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port, sslMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}
