package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultAPITimeout       = 10 * time.Second
	DefaultCancelAllTimeout = 10 * time.Second
	DefaultMakerFeePercent  = 0.04
	DefaultTakerFeePercent  = 0.02
	DefaultStatusListen     = "127.0.0.1:8089"
	DefaultPersistenceDir   = "data"
	DefaultJournalDB        = "data/journal.db"
	MaxLeverage             = 100
	SecretKeyName           = "PERP_API_SECRET"
)

// ExchangeConfig 交易所地址与 API 凭证
type ExchangeConfig struct {
	Domain    string // "kovan" 为测试网，其余为主网
	RESTURL   string // 为空时按 Domain 推导
	SocketURL string // 为空时按 Domain 推导
	AccountID string
	APIKey    string
	APISecret string
	ProxyURL  string
}

type FeesConfig struct {
	MakerPercent float64
	TakerPercent float64
}

// PersistenceConfig 在途订单快照存储
type PersistenceConfig struct {
	Kind string // json | badger
	Dir  string
}

type JournalConfig struct {
	DBPath string
	// Retention 事件日志保留时长，0 用默认值，负数不清理
	Retention time.Duration
}

type SecretsConfig struct {
	BadgerPath string
	Key        string // 32 字节 hex/base64；为空时不加密
}

// BreakerConfig 连续下单失败熔断，MaxConsecutiveErrors <= 0 关闭
type BreakerConfig struct {
	MaxConsecutiveErrors int
	Cooldown             time.Duration
}

type LogConfig struct {
	Level      string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Config 连接器进程配置
type Config struct {
	Exchange         ExchangeConfig
	TradingPairs     []string
	Leverage         map[string]int
	PollInterval     time.Duration
	APITimeout       time.Duration
	CancelAllTimeout time.Duration
	Fees             FeesConfig
	Persistence      PersistenceConfig
	Journal          JournalConfig
	StatusListen     string // 为空不启动状态 API
	MetricsListen    string // 为空不启动 /debug/vars
	Secrets          SecretsConfig
	Breaker          BreakerConfig
	Log              LogConfig
	TradingRequired  bool
	DryRun           bool
}

// ConfigFile 配置文件结构（YAML/JSON）
type ConfigFile struct {
	Exchange struct {
		Domain    string `yaml:"domain" json:"domain"`
		RESTURL   string `yaml:"rest_url" json:"rest_url"`
		SocketURL string `yaml:"socket_url" json:"socket_url"`
		AccountID string `yaml:"account_id" json:"account_id"`
		APIKey    string `yaml:"api_key" json:"api_key"`
		APISecret string `yaml:"api_secret" json:"api_secret"`
		Proxy     string `yaml:"proxy" json:"proxy"`
	} `yaml:"exchange" json:"exchange"`
	TradingPairs            []string       `yaml:"trading_pairs" json:"trading_pairs"`
	Leverage                map[string]int `yaml:"leverage" json:"leverage"`
	PollIntervalSeconds     int            `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	APITimeoutSeconds       int            `yaml:"api_timeout_seconds" json:"api_timeout_seconds"`
	CancelAllTimeoutSeconds int            `yaml:"cancel_all_timeout_seconds" json:"cancel_all_timeout_seconds"`
	Fees                    struct {
		MakerPercent float64 `yaml:"maker_percent" json:"maker_percent"`
		TakerPercent float64 `yaml:"taker_percent" json:"taker_percent"`
	} `yaml:"fees" json:"fees"`
	Persistence struct {
		Kind string `yaml:"kind" json:"kind"`
		Dir  string `yaml:"dir" json:"dir"`
	} `yaml:"persistence" json:"persistence"`
	Journal struct {
		DBPath         string `yaml:"db_path" json:"db_path"`
		RetentionHours int    `yaml:"retention_hours" json:"retention_hours"`
	} `yaml:"journal" json:"journal"`
	StatusAPI struct {
		Listen string `yaml:"listen" json:"listen"`
	} `yaml:"status_api" json:"status_api"`
	Metrics struct {
		Listen string `yaml:"listen" json:"listen"`
	} `yaml:"metrics" json:"metrics"`
	Secrets struct {
		BadgerPath string `yaml:"badger_path" json:"badger_path"`
		Key        string `yaml:"key" json:"key"`
	} `yaml:"secrets" json:"secrets"`
	Breaker struct {
		MaxConsecutiveErrors int `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
		CooldownSeconds      int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	} `yaml:"breaker" json:"breaker"`
	Log struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   bool   `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
	TradingRequired *bool `yaml:"trading_required" json:"trading_required"`
	DryRun          bool  `yaml:"dry_run" json:"dry_run"`
}

// LoadDotEnv 加载 .env 文件到进程环境（不覆盖已存在的变量），文件不存在时忽略
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", p)
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "加载 %s 失败", p)
		}
	}
	return nil
}

// LoadFromFile 加载配置。优先级：配置文件 > 环境变量 > 默认值；filePath 为空时只用环境变量
func LoadFromFile(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "加载配置文件失败 %s", filePath)
		}
	}

	leverage, err := parseLeverageEnv(os.Getenv("PERP_LEVERAGE"))
	if err != nil {
		return nil, err
	}
	for pair, lev := range cf.Leverage {
		leverage[strings.ToUpper(strings.TrimSpace(pair))] = lev
	}

	pairs := normalizePairs(cf.TradingPairs)
	if len(pairs) == 0 {
		pairs = normalizePairs(strings.Split(os.Getenv("PERP_TRADING_PAIRS"), ","))
	}

	tradingRequired := parseBoolEnv("PERP_TRADING_REQUIRED", true)
	if cf.TradingRequired != nil {
		tradingRequired = *cf.TradingRequired
	}

	retention := time.Duration(getIntFromSources(cf.Journal.RetentionHours, parseIntEnv("PERP_JOURNAL_RETENTION_HOURS", 0))) * time.Hour

	c := &Config{
		Exchange: ExchangeConfig{
			Domain:    getValueFromSources(cf.Exchange.Domain, getEnv("PERP_DOMAIN", "")),
			RESTURL:   getValueFromSources(cf.Exchange.RESTURL, getEnv("PERP_REST_URL", "")),
			SocketURL: getValueFromSources(cf.Exchange.SocketURL, getEnv("PERP_SOCKET_URL", "")),
			AccountID: getValueFromSources(cf.Exchange.AccountID, getEnv("PERP_ACCOUNT_ID", "")),
			APIKey:    getValueFromSources(cf.Exchange.APIKey, getEnv("PERP_API_KEY", "")),
			APISecret: getValueFromSources(cf.Exchange.APISecret, getEnv(SecretKeyName, "")),
			ProxyURL:  getValueFromSources(cf.Exchange.Proxy, getEnv("PERP_PROXY", "")),
		},
		TradingPairs:     pairs,
		Leverage:         leverage,
		PollInterval:     seconds(getIntFromSources(cf.PollIntervalSeconds, parseIntEnv("PERP_POLL_INTERVAL", 0)), DefaultPollInterval),
		APITimeout:       seconds(getIntFromSources(cf.APITimeoutSeconds, parseIntEnv("PERP_API_TIMEOUT", 0)), DefaultAPITimeout),
		CancelAllTimeout: seconds(getIntFromSources(cf.CancelAllTimeoutSeconds, parseIntEnv("PERP_CANCEL_ALL_TIMEOUT", 0)), DefaultCancelAllTimeout),
		Fees: FeesConfig{
			MakerPercent: getFloatFromSources(cf.Fees.MakerPercent, parseFloatEnv("PERP_MAKER_FEE_PERCENT", DefaultMakerFeePercent)),
			TakerPercent: getFloatFromSources(cf.Fees.TakerPercent, parseFloatEnv("PERP_TAKER_FEE_PERCENT", DefaultTakerFeePercent)),
		},
		Persistence: PersistenceConfig{
			Kind: strings.ToLower(getValueFromSources(cf.Persistence.Kind, getEnv("PERP_PERSISTENCE", "json"))),
			Dir:  getValueFromSources(cf.Persistence.Dir, getEnv("PERP_PERSISTENCE_DIR", DefaultPersistenceDir)),
		},
		Journal: JournalConfig{
			DBPath:    getValueFromSources(cf.Journal.DBPath, getEnv("PERP_JOURNAL_DB", DefaultJournalDB)),
			Retention: retention,
		},
		StatusListen:  getValueFromSources(cf.StatusAPI.Listen, getEnv("PERP_STATUS_LISTEN", DefaultStatusListen)),
		MetricsListen: getValueFromSources(cf.Metrics.Listen, getEnv("PERP_METRICS_LISTEN", "")),
		Secrets: SecretsConfig{
			BadgerPath: getValueFromSources(cf.Secrets.BadgerPath, getEnv("PERP_SECRET_DB", "")),
			Key:        getValueFromSources(cf.Secrets.Key, getEnv("PERP_SECRET_KEY", "")),
		},
		Breaker: BreakerConfig{
			MaxConsecutiveErrors: getIntFromSources(cf.Breaker.MaxConsecutiveErrors, parseIntEnv("PERP_BREAKER_MAX_ERRORS", 0)),
			Cooldown:             time.Duration(getIntFromSources(cf.Breaker.CooldownSeconds, parseIntEnv("PERP_BREAKER_COOLDOWN", 300))) * time.Second,
		},
		Log: LogConfig{
			Level:      getValueFromSources(cf.Log.Level, getEnv("PERP_LOG_LEVEL", "info")),
			File:       getValueFromSources(cf.Log.File, getEnv("PERP_LOG_FILE", "")),
			MaxSize:    getIntFromSources(cf.Log.MaxSize, parseIntEnv("PERP_LOG_MAX_SIZE", 100)),
			MaxBackups: getIntFromSources(cf.Log.MaxBackups, parseIntEnv("PERP_LOG_MAX_BACKUPS", 3)),
			MaxAge:     getIntFromSources(cf.Log.MaxAge, parseIntEnv("PERP_LOG_MAX_AGE", 7)),
			Compress:   cf.Log.Compress || parseBoolEnv("PERP_LOG_COMPRESS", false),
		},
		TradingRequired: tradingRequired,
		DryRun:          cf.DryRun || parseBoolEnv("PERP_DRY_RUN", false),
	}
	return c, nil
}

// SecretGetter 读取密钥存储，pkg/secretstore.Store 实现
type SecretGetter interface {
	GetString(key string) (string, bool, error)
}

// FillSecrets api_secret 未配置时从密钥存储读取 env/PERP_API_SECRET
func (c *Config) FillSecrets(store SecretGetter) error {
	if c.Exchange.APISecret != "" || store == nil {
		return nil
	}
	v, ok, err := store.GetString("env/" + SecretKeyName)
	if err != nil {
		return errors.Wrap(err, "读取 API secret 失败")
	}
	if ok {
		c.Exchange.APISecret = strings.TrimSpace(v)
	}
	return nil
}

// RESTBaseURL REST 根地址
func (c *Config) RESTBaseURL() string {
	if c.Exchange.RESTURL != "" {
		return c.Exchange.RESTURL
	}
	if c.Exchange.Domain == "kovan" {
		return "https://kovan.leverj.io/futures/api/v1"
	}
	return "https://live.leverj.io/futures/api/v1"
}

// SocketBaseURL socket.io 主机地址（路径由 websocket.SocketURL 补全）
func (c *Config) SocketBaseURL() string {
	if c.Exchange.SocketURL != "" {
		return c.Exchange.SocketURL
	}
	if c.Exchange.Domain == "kovan" {
		return "https://kovan.leverj.io"
	}
	return "https://live.leverj.io"
}

var pairPattern = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]+$`)

// Validate 验证配置
func (c *Config) Validate() error {
	if c.TradingRequired {
		if c.Exchange.AccountID == "" {
			return errors.New("PERP_ACCOUNT_ID 未配置")
		}
		if c.Exchange.APIKey == "" {
			return errors.New("PERP_API_KEY 未配置")
		}
		if c.Exchange.APISecret == "" {
			return errors.New("PERP_API_SECRET 未配置（也可放入密钥存储）")
		}
	}
	if len(c.TradingPairs) == 0 {
		return errors.New("至少需要配置一个交易对 trading_pairs")
	}
	for _, p := range c.TradingPairs {
		if !pairPattern.MatchString(p) {
			return errors.Errorf("交易对格式错误: %s（应为 BASE-QUOTE）", p)
		}
	}
	for pair, lev := range c.Leverage {
		if lev < 1 || lev > MaxLeverage {
			return errors.Errorf("杠杆 %s=%d 超出范围 [1, %d]", pair, lev, MaxLeverage)
		}
	}
	if c.PollInterval < time.Second {
		return errors.New("poll_interval_seconds 至少为 1")
	}
	if c.Fees.MakerPercent < 0 || c.Fees.TakerPercent < 0 {
		return errors.New("手续费率不能为负数")
	}
	switch c.Persistence.Kind {
	case "json", "badger":
	default:
		return errors.Errorf("未知的 persistence.kind: %s（支持 json, badger）", c.Persistence.Kind)
	}
	return nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, errors.Wrap(err, "解析 YAML 配置文件失败")
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, errors.Wrap(err, "解析 JSON 配置文件失败")
		}
	default:
		return nil, errors.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// parseLeverageEnv 解析 "ETH-DAI=5,BTC-DAI=3"
func parseLeverageEnv(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("PERP_LEVERAGE 格式错误: %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "PERP_LEVERAGE 杠杆不是整数: %q", part)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = n
	}
	return out, nil
}

func normalizePairs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// getValueFromSources 配置文件值非空时优先，否则用环境变量/默认值
func getValueFromSources(configValue, envValue string) string {
	if v := strings.TrimSpace(configValue); v != "" {
		return v
	}
	return envValue
}

func getIntFromSources(configValue, envValue int) int {
	if configValue != 0 {
		return configValue
	}
	return envValue
}

func getFloatFromSources(configValue, envValue float64) float64 {
	if configValue != 0 {
		return configValue
	}
	return envValue
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
