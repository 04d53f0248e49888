package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"companion-server/internal/models"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию сервиса кредитов и прогресса историй.
type Config struct {
	// Настройки сервера
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Бэкенд хранения: postgres или memory (dev/test)
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"postgres"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"companion"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	// Настройки RabbitMQ (пустой URL отключает публикацию событий)
	RabbitMQURL            string `envconfig:"RABBITMQ_URL" default:""`
	ClientUpdatesQueueName string `envconfig:"CLIENT_UPDATES_QUEUE_NAME" default:"client_updates"`

	// Экономика: стартовый баланс и стоимость платных действий
	StartingBalance        int64 `envconfig:"STARTING_BALANCE" default:"100"`
	ChapterAdvanceCost     int64 `envconfig:"CHAPTER_ADVANCE_COST" default:"10"`
	AssetUnlockCost        int64 `envconfig:"ASSET_UNLOCK_COST" default:"25"`
	MessageCost            int64 `envconfig:"MESSAGE_COST" default:"1"`
	PremiumChapterCost     int64 `envconfig:"PREMIUM_CHAPTER_ADVANCE_COST" default:"5"`
	PremiumAssetUnlockCost int64 `envconfig:"PREMIUM_ASSET_UNLOCK_COST" default:"15"`
	PremiumMessageCost     int64 `envconfig:"PREMIUM_MESSAGE_COST" default:"0"`

	// Макс. возраст auth_date в initData Telegram (0 отключает проверку)
	InitDataMaxAge time.Duration `envconfig:"INIT_DATA_MAX_AGE" default:"24h"`

	// Секретные поля БЕЗ envconfig тегов
	JWTSecret          string
	TelegramBotToken   string
	InterServiceSecret string
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// ReadSecret читает секрет из файла в стандартном пути Docker Secrets,
// с fallback на переменную окружения для локальной разработки.
func ReadSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err == nil {
		secret := strings.TrimSpace(string(secretBytes))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", filePath)
		}
		return secret, nil
	}
	envName := strings.ToUpper(secretName)
	if secret := strings.TrimSpace(os.Getenv(envName)); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("failed to read secret %s: no file %s and no env %s", secretName, filePath, envName)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов
func LoadConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	backend := strings.ToLower(cfg.StorageBackend)
	if backend != "postgres" && backend != "memory" {
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (expected postgres or memory)", cfg.StorageBackend)
	}
	cfg.StorageBackend = backend

	// Загружаем ОБЯЗАТЕЛЬНЫЕ секреты
	var loadErr error
	cfg.JWTSecret, loadErr = ReadSecret("jwt_secret")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.TelegramBotToken, loadErr = ReadSecret("telegram_bot_token")
	if loadErr != nil {
		return nil, loadErr
	}
	cfg.InterServiceSecret, loadErr = ReadSecret("inter_service_secret")
	if loadErr != nil {
		return nil, loadErr
	}

	// Пароль БД нужен только для postgres-бэкенда
	if cfg.StorageBackend == "postgres" {
		cfg.DBPassword, loadErr = ReadSecret("db_password")
		if loadErr != nil {
			return nil, loadErr
		}
	}

	log.Printf("Конфигурация загружена (секреты из файлов):")
	log.Printf("  Port: %s", cfg.Port)
	log.Printf("  LogLevel: %s", cfg.LogLevel)
	log.Printf("  Storage Backend: %s", cfg.StorageBackend)
	if cfg.StorageBackend == "postgres" {
		log.Printf("  DB DSN: postgres://%s:***@%s:%s/%s?sslmode=%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode)
		log.Printf("  DB Max Conns: %d", cfg.DBMaxConns)
	}
	if cfg.RabbitMQURL != "" {
		log.Printf("  RabbitMQ URL: %s", cfg.RabbitMQURL)
		log.Printf("  Client Updates Queue Name: %s", cfg.ClientUpdatesQueueName)
	} else {
		log.Println("  RabbitMQ: отключен")
	}
	log.Printf("  Starting Balance: %d", cfg.StartingBalance)
	log.Println("  JWT Secret: [ЗАГРУЖЕН]")
	log.Println("  Telegram Bot Token: [ЗАГРУЖЕН]")

	return &cfg, nil
}

// CostFor возвращает стоимость платного действия для указанного плана.
func (c *Config) CostFor(action models.PaidAction, plan models.Plan) (int64, bool) {
	premium := plan == models.PlanPremium
	switch action {
	case models.ActionChapterAdvance:
		if premium {
			return c.PremiumChapterCost, true
		}
		return c.ChapterAdvanceCost, true
	case models.ActionAssetUnlock:
		if premium {
			return c.PremiumAssetUnlockCost, true
		}
		return c.AssetUnlockCost, true
	case models.ActionMessage:
		if premium {
			return c.PremiumMessageCost, true
		}
		return c.MessageCost, true
	default:
		return 0, false
	}
}
