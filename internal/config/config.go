package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Stream  StreamConfig
	AI      AIConfig
	History HistoryConfig
	Admin   AdminConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig(server.Production())
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Stream:  stream,
		AI:      ai,
		History: history,
		Admin:   AdminConfig{Token: strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	Env            string
	AllowedOrigins []string
}

// Production 表示是否运行在生产环境。
func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		Env:            strings.ToLower(getEnvOrDefault("APP_ENV", "development")),
		AllowedOrigins: parseListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	switch {
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
	default:
		cfg.Addr = ":" + port
	}
	return cfg, nil
}

// StreamConfig 描述流式会话、子进程桥接与限流配置。
type StreamConfig struct {
	KillTimeout       time.Duration
	PendingTTL        time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	MaxLineBytes      int
	ErrorLimit        int
	RedactKeys        []string
	StartRate         float64
	StartBurst        int
	FeaturesFile      string
	WorkDir           string
}

var defaultRedactKeys = []string{"groundTruth", "expectedOutput", "testOutputs"}

func loadStreamConfig(production bool) (StreamConfig, error) {
	cfg := StreamConfig{
		FeaturesFile: strings.TrimSpace(os.Getenv("FEATURES_FILE")),
		WorkDir:      strings.TrimSpace(os.Getenv("SOLVER_WORKDIR")),
	}

	var err error
	if cfg.KillTimeout, err = parseDurationEnv("STREAM_KILL_TIMEOUT", 5*time.Second); err != nil {
		return StreamConfig{}, err
	}
	if cfg.PendingTTL, err = parseDurationEnv("STREAM_PENDING_TTL", 2*time.Minute); err != nil {
		return StreamConfig{}, err
	}
	if cfg.KeepAliveInterval, err = parseDurationEnv("STREAM_KEEPALIVE_INTERVAL", 15*time.Second); err != nil {
		return StreamConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("STREAM_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return StreamConfig{}, err
	}
	if cfg.MaxLineBytes, err = parseIntEnv("STREAM_MAX_LINE_BYTES", 10*1024*1024); err != nil {
		return StreamConfig{}, err
	}
	if cfg.ErrorLimit, err = parseIntEnv("STREAM_ERROR_LIMIT", 512); err != nil {
		return StreamConfig{}, err
	}
	if cfg.StartBurst, err = parseIntEnv("STREAM_START_BURST", 10); err != nil {
		return StreamConfig{}, err
	}

	rate, err := parseOptionalFloatEnv("STREAM_START_RATE")
	if err != nil {
		return StreamConfig{}, err
	}
	cfg.StartRate = 2
	if rate != nil {
		cfg.StartRate = *rate
	}

	// 生产环境默认剔除标准答案，避免前端直接看到评测数据。
	if production {
		cfg.RedactKeys = parseListEnv("STREAM_REDACT_KEYS", defaultRedactKeys)
	}

	if cfg.KillTimeout <= 0 {
		return StreamConfig{}, fmt.Errorf("STREAM_KILL_TIMEOUT must be positive")
	}
	if cfg.MaxLineBytes < 1024 {
		return StreamConfig{}, fmt.Errorf("STREAM_MAX_LINE_BYTES must be at least 1024")
	}
	if cfg.ErrorLimit < 16 {
		return StreamConfig{}, fmt.Errorf("STREAM_ERROR_LIMIT must be at least 16")
	}
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	modelName := strings.TrimSpace(os.Getenv("ARK_MODEL"))
	if modelName == "" {
		// 兼容旧的 Model 变量名。
		modelName = strings.TrimSpace(os.Getenv("Model"))
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          modelName,
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
	}, nil
}

// HistoryConfig 描述运行记录的存储位置。Path 为空时使用内存存储。
type HistoryConfig struct {
	Path  string
	Limit int
}

func loadHistoryConfig() (HistoryConfig, error) {
	limit, err := parseIntEnv("RUN_HISTORY_LIMIT", 500)
	if err != nil {
		return HistoryConfig{}, err
	}
	return HistoryConfig{
		Path:  strings.TrimSpace(os.Getenv("RUN_HISTORY_PATH")),
		Limit: limit,
	}, nil
}

// AdminConfig 描述管理接口的访问令牌。Token 为空时管理接口关闭。
type AdminConfig struct {
	Token string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return append([]string(nil), defaultValue...)
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理。
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
