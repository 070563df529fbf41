package config

import (
	"strings"
	"time"
	_ "time/tzdata" // 容器镜像里可能没有 zoneinfo

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AI          AIConfig          `mapstructure:"ai"`
	Knowledge   KnowledgeConfig   `mapstructure:"knowledge"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Appointment AppointmentConfig `mapstructure:"appointment"`
	Locking     LockingConfig     `mapstructure:"locking"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Security    SecurityConfig    `mapstructure:"security"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AIConfig 模型调用与助手画像配置
type AIConfig struct {
	Provider      string               `mapstructure:"provider"` // gemini, openai
	APIKey        string               `mapstructure:"api_key"`
	BaseURL       string               `mapstructure:"base_url"`
	Model         string               `mapstructure:"model"`
	Temperature   float64              `mapstructure:"temperature"`
	MaxTokens     int                  `mapstructure:"max_tokens"`
	Timeout       time.Duration        `mapstructure:"timeout"`
	DefaultLocale string               `mapstructure:"default_locale"`
	LegalIntake   LegalIntakeConfig    `mapstructure:"legal_intake"`
	Breaker       CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LegalIntakeConfig 法律咨询画像的自动匹配规则
type LegalIntakeConfig struct {
	CompanyIDs   []string `mapstructure:"company_ids"`
	NameKeywords []string `mapstructure:"name_keywords"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

// KnowledgeConfig 租户知识库检索服务
type KnowledgeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Limit          int           `mapstructure:"limit"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
}

// QuotaConfig 套餐配额。Timezone 决定“自然月”的起点，所有部署统一使用。
type QuotaConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type AppointmentConfig struct {
	UndoWindow time.Duration `mapstructure:"undo_window"`
}

type LockingConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis
	TTL     time.Duration `mapstructure:"ttl"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

// SecurityConfig 跨域与限流
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitingConfig 按调用方（公司+用户，未登录时按 IP）限流
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点，例如 otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

// Load 在默认配置之上叠加 viper 读取到的配置文件与环境变量
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// BindEnv 让 NEXUSDESK_AI_API_KEY 这类环境变量覆盖嵌套配置
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("nexusdesk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "nexusdesk",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		AI: AIConfig{
			Provider:      "gemini",
			Model:         "gemini-2.5-flash",
			Temperature:   0.4,
			MaxTokens:     1024,
			Timeout:       20 * time.Second,
			DefaultLocale: "en",
			LegalIntake: LegalIntakeConfig{
				NameKeywords: []string{"avocat", "law firm", "legal", "attorney"},
			},
			Breaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Knowledge: KnowledgeConfig{
			Enabled:        false,
			BaseURL:        "http://localhost:9000",
			Timeout:        10 * time.Second,
			MaxRetries:     2,
			Limit:          5,
			ScoreThreshold: 0.6,
		},
		Quota: QuotaConfig{
			Timezone: "UTC",
		},
		Appointment: AppointmentConfig{
			UndoWindow: 10 * time.Second,
		},
		Locking: LockingConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "Accept-Language"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             40,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/nexusdesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "nexusdesk",
			},
		},
	}
}

// QuotaLocation 解析配额参考时区，非法值回退到 UTC
func (c *Config) QuotaLocation() *time.Location {
	if c.Quota.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
