// Package config 负责加载和管理应用程序的配置。
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，由 Init 填充。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Ensemble EnsembleConfig `mapstructure:"ensemble"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Session  SessionConfig  `mapstructure:"session"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider       string              `mapstructure:"provider"` // openai | gemini | anthropic
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	FallbackModels []string            `mapstructure:"fallback_models"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Retry          RetryConfig         `mapstructure:"retry"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
}

// RetryConfig 固定次数重试，每次间隔固定时长。
type RetryConfig struct {
	Attempts    int `mapstructure:"attempts"`
	DelayMillis int `mapstructure:"delay_millis"`
}

// LLMGenerationConfig 配置生成相关参数（可选，零值表示不下发）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EnsembleConfig 配置 solver/judge 编排。
type EnsembleConfig struct {
	Mode          string       `mapstructure:"mode"` // single | judge | consensus
	Solvers       int          `mapstructure:"solvers"`
	JudgeFallback bool         `mapstructure:"judge_fallback"`
	Prompt        PromptConfig `mapstructure:"prompt"`
}

// PromptConfig 存储 solver 与 judge 的系统指令以及 judge 提示模板。
type PromptConfig struct {
	Solver        string `mapstructure:"solver"`
	Judge         string `mapstructure:"judge"`
	JudgeTemplate string `mapstructure:"judge_template"`
}

// ChatConfig 存储聊天请求相关的限制。
type ChatConfig struct {
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
}

// SessionConfig 存储会话历史相关的配置。
type SessionConfig struct {
	Store    string `mapstructure:"store"` // memory | redis
	TTLHours int    `mapstructure:"ttl_hours"`
	MaxTurns int    `mapstructure:"max_turns"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。未启用时图片以内联方式保存在会话历史里。
type MinIOConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Endpoint             string `mapstructure:"endpoint"`
	AccessKeyID          string `mapstructure:"access_key_id"`
	SecretAccessKey      string `mapstructure:"secret_access_key"`
	UseSSL               bool   `mapstructure:"use_ssl"`
	BucketName           string `mapstructure:"bucket_name"`
	PresignExpiryMinutes int    `mapstructure:"presign_expiry_minutes"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// JWTConfig 存储会话令牌相关的配置。
type JWTConfig struct {
	Secret          string `mapstructure:"secret"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours"`
}

// AuthConfig 存储访问口令的 bcrypt 哈希；为空表示不校验。
type AuthConfig struct {
	AccessCodeHash string `mapstructure:"access_code_hash"`
}

const (
	DefaultSolverPrompt  = "あなたは科学技術計算AIです。数式は$$を使用し、論理的かつ簡潔に答えてください。"
	DefaultJudgePrompt   = "あなたは査読者です。複数の回答を統合し、完璧な最終回答を作成してください。"
	DefaultJudgeTemplate = "質問: {{.Question}}\n{{range .Answers}}回答{{.Label}}: {{.Text}}\n{{end}}これらを統合し、洗練された回答を作成せよ。"
)

// 各 provider 的默认 base url 与 API key 环境变量。
var providerDefaults = map[string]struct {
	baseURL string
	model   string
	keyEnv  string
}{
	"gemini":    {"https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash", "GEMINI_API_KEY"},
	"openai":    {"https://api.openai.com/v1", "gpt-4o-mini", "OPENAI_API_KEY"},
	"anthropic": {"", "claude-3-7-sonnet-latest", "ANTHROPIC_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.fallback_models", []string{})
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.retry.attempts", 3)
	v.SetDefault("llm.retry.delay_millis", 2000)
	v.SetDefault("llm.generation.temperature", 0)
	v.SetDefault("llm.generation.top_p", 0)
	v.SetDefault("llm.generation.max_tokens", 0)

	v.SetDefault("ensemble.mode", "judge")
	v.SetDefault("ensemble.solvers", 2)
	v.SetDefault("ensemble.judge_fallback", true)
	v.SetDefault("ensemble.prompt.solver", DefaultSolverPrompt)
	v.SetDefault("ensemble.prompt.judge", DefaultJudgePrompt)
	v.SetDefault("ensemble.prompt.judge_template", DefaultJudgeTemplate)

	v.SetDefault("chat.max_image_bytes", 10<<20)

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl_hours", 24)
	v.SetDefault("session.max_turns", 100)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "sci-core-images")
	v.SetDefault("minio.presign_expiry_minutes", 60)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "sci-core.turns")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.session_ttl_hours", 24)

	v.SetDefault("auth.access_code_hash", "")
}

// Load 读取配置：默认值 < config.yaml < .env / 环境变量（前缀 SCI_CORE_）。
// configPath 为空或文件不存在时只使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SCI_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("检查配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Init 加载配置到全局 Conf，失败时直接 panic（启动阶段）。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

func (c *Config) applyProviderDefaults() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	d, ok := providerDefaults[c.LLM.Provider]
	if !ok {
		return
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.baseURL
	}
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	if c.LLM.Model == "" {
		c.LLM.Model = d.model
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(d.keyEnv)
	}
	if c.JWT.Secret == "" {
		// 未配置时每次启动随机生成，重启后旧令牌全部失效（会话历史本身也不跨重启）
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			c.JWT.Secret = hex.EncodeToString(b)
		}
	}
}

// Validate 检查配置是否可用。
func (c *Config) Validate() error {
	if _, ok := providerDefaults[c.LLM.Provider]; !ok {
		return fmt.Errorf("config: unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: missing API key for provider %q (set llm.api_key or %s)", c.LLM.Provider, providerDefaults[c.LLM.Provider].keyEnv)
	}
	switch c.Ensemble.Mode {
	case "single", "judge", "consensus":
	default:
		return fmt.Errorf("config: unknown ensemble.mode %q", c.Ensemble.Mode)
	}
	if c.Ensemble.Solvers < 1 || c.Ensemble.Solvers > 3 {
		return fmt.Errorf("config: ensemble.solvers must be between 1 and 3, got %d", c.Ensemble.Solvers)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown session.store %q", c.Session.Store)
	}
	if c.LLM.Retry.Attempts < 1 {
		c.LLM.Retry.Attempts = 1
	}
	return nil
}
