// Package config はアプリケーション設定の読み込みを提供する
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ストレージドライバの識別子
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する
type Config struct {
	// Database設定
	Database DatabaseConfig

	// ストレージドライバ（"postgres" or "memory"）
	StorageDriver string

	// HTTPサーバ設定
	Server ServerConfig

	// 同期パイプライン設定
	Sync SyncConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ServerConfig はHTTPサーバ設定
type ServerConfig struct {
	Addr string
}

// SyncConfig は同期パイプラインの動作設定
type SyncConfig struct {
	MaxAttempts      int           // dead_letter までの最大試行回数
	Workers          int           // ディスパッチャの並行ワーカー数
	StatsInterval    time.Duration // 統計フラッシュの間隔
	DispatchInterval time.Duration // pending ジョブのポーリング間隔
	StaleAfter       time.Duration // この時間ハートビートが無い実行を stale と見なす
	SweepInterval    time.Duration // stale 検出の巡回間隔（StaleAfter より短くする）
	RequeueStale     bool          // stale なジョブを pending へ戻すかどうか
	UploadDir        string        // upload コネクタのドロップディレクトリのルート
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// Load は環境変数または.envファイルから設定を読み込む
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "kbsync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "kbsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		StorageDriver: getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		Server: ServerConfig{
			Addr: getEnv("SERVER_ADDR", ":8080"),
		},
		Sync: SyncConfig{
			MaxAttempts:      getEnvAsInt("SYNC_MAX_ATTEMPTS", 3),
			Workers:          getEnvAsInt("SYNC_WORKERS", 4),
			StatsInterval:    getEnvAsDuration("SYNC_STATS_INTERVAL", 2*time.Second),
			DispatchInterval: getEnvAsDuration("SYNC_DISPATCH_INTERVAL", 5*time.Second),
			StaleAfter:       getEnvAsDuration("SYNC_STALE_AFTER", 10*time.Minute),
			SweepInterval:    getEnvAsDuration("SYNC_SWEEP_INTERVAL", time.Minute),
			RequeueStale:     getEnvAsBool("SYNC_REQUEUE_STALE", true),
			UploadDir:        getEnv("UPLOAD_DIR", "/var/lib/kb-sync/uploads"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if cfg.StorageDriver != StorageDriverPostgres && cfg.StorageDriver != StorageDriverMemory {
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返す
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得する
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得する
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得する
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
