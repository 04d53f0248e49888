package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion-server/internal/authutils"
	"companion-server/internal/config"
	"companion-server/internal/database"
	"companion-server/internal/handler"
	"companion-server/internal/interfaces"
	"companion-server/internal/logger"
	"companion-server/internal/messaging"
	appMiddleware "companion-server/internal/middleware"
	"companion-server/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	log.Println("Запуск Companion Server...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level: cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	// --- Хранилище: postgres или memory ---
	var (
		db          interfaces.DBTX
		txRunner    interfaces.TxRunner
		userRepo    interfaces.UserRepository
		balanceRepo interfaces.BalanceRepository
		txLogRepo   interfaces.TransactionLogRepository
		subRepo     interfaces.SubscriptionRepository
		chapterRepo interfaces.ChapterRepository
		progRepo    interfaces.ProgressRepository
		assetRepo   interfaces.AssetUnlockRepository
	)
	switch cfg.StorageBackend {
	case "postgres":
		dbPool, setupErr := setupDatabase(cfg)
		if setupErr != nil {
			zapLogger.Fatal("Не удалось подключиться к БД", zap.Error(setupErr))
		}
		defer dbPool.Close()
		zapLogger.Info("Успешное подключение к PostgreSQL")

		if migrateErr := database.ApplyMigrations(dbPool); migrateErr != nil {
			zapLogger.Fatal("Не удалось применить миграции", zap.Error(migrateErr))
		}
		zapLogger.Info("Миграции применены")

		db = dbPool
		txRunner = database.NewPgTxRunner(dbPool, zapLogger)
		userRepo = database.NewPgUserRepository(zapLogger)
		balanceRepo = database.NewPgBalanceRepository(zapLogger)
		txLogRepo = database.NewPgTransactionLogRepository(zapLogger)
		subRepo = database.NewPgSubscriptionRepository(zapLogger)
		chapterRepo = database.NewPgChapterRepository(zapLogger)
		progRepo = database.NewPgProgressRepository(zapLogger)
		assetRepo = database.NewPgAssetUnlockRepository(zapLogger)
	case "memory":
		zapLogger.Warn("Используется in-memory хранилище (только для dev/test)")
		store := database.NewMemoryStore()
		txRunner = store
		userRepo = database.NewMemoryUserRepository(store)
		balanceRepo = database.NewMemoryBalanceRepository(store)
		txLogRepo = database.NewMemoryTransactionLogRepository(store)
		subRepo = database.NewMemorySubscriptionRepository(store)
		chapterRepo = database.NewMemoryChapterRepository(store)
		progRepo = database.NewMemoryProgressRepository(store)
		assetRepo = database.NewMemoryAssetUnlockRepository(store)
	default:
		zapLogger.Fatal("Неизвестный storage backend", zap.String("backend", cfg.StorageBackend))
	}

	// --- RabbitMQ (опционально) ---
	var clientUpdatePublisher messaging.ClientUpdatePublisher
	if cfg.RabbitMQURL != "" {
		rabbitConn, rabbitErr := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
		if rabbitErr != nil {
			zapLogger.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(rabbitErr))
		}
		defer rabbitConn.Close()
		zapLogger.Info("Успешное подключение к RabbitMQ")

		clientUpdatePublisher, err = messaging.NewRabbitMQClientUpdatePublisher(rabbitConn, cfg.ClientUpdatesQueueName)
		if err != nil {
			zapLogger.Fatal("Не удалось создать ClientUpdatePublisher", zap.Error(err))
		}
	} else {
		zapLogger.Info("RabbitMQ отключен, события клиенту публиковаться не будут")
	}

	// --- Сервисы ---
	ledgerService := service.NewLedgerService(db, txRunner, userRepo, balanceRepo, txLogRepo, clientUpdatePublisher, cfg.StartingBalance, zapLogger)
	entitlementService := service.NewEntitlementService(db, userRepo, subRepo, cfg, zapLogger)
	storyService := service.NewStoryService(db, txRunner, userRepo, chapterRepo, progRepo, zapLogger)
	gatingService := service.NewGatingService(db, txRunner, ledgerService, entitlementService, storyService, assetRepo, clientUpdatePublisher, zapLogger)

	// --- Верификаторы ---
	jwtVerifier, err := authutils.NewJWTVerifier(cfg.JWTSecret, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать JWT Verifier", zap.Error(err))
	}
	initDataVerifier, err := authutils.NewInitDataVerifier(cfg.TelegramBotToken, cfg.InitDataMaxAge, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать InitData Verifier", zap.Error(err))
	}

	h := handler.NewHandler(ledgerService, entitlementService, storyService, gatingService, jwtVerifier, initDataVerifier, cfg.InterServiceSecret, zapLogger)

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(appMiddleware.EchoZapLogger(zapLogger))
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	h.RegisterRoutes(e)

	log.Printf("Companion сервер слушает на порту %s", cfg.Port)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("Ошибка запуска HTTP сервера: ", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Получен сигнал завершения, начинаем graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal("Ошибка при graceful shutdown Echo: ", err)
	}

	log.Println("Companion Server успешно остановлен")
}

// setupDatabase инициализирует и возвращает пул соединений с БД
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := cfg.GetDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул соединений: %w", err)
	}
	if err = dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("не удалось подключиться к БД (ping failed): %w", err)
	}
	return dbPool, nil
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("Не удалось подключиться к RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, err
}
