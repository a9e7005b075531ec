package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// FileName 是在 cwd 下自动发现的配置文件名（不含扩展名）。
	FileName = "rezkacat"
	// EnvPrefix 是环境变量前缀：http.concurrency -> REZKACAT_HTTP_CONCURRENCY。
	EnvPrefix = "REZKACAT"

	DefaultBaseURL     = "https://rezka.ag"
	DefaultConcurrency = 4
	DefaultTimeout     = 20 * time.Second
	DefaultRetryMax    = 2
	DefaultStoreDriver = StoreBolt
	DefaultStorePath   = "rezkacat.db"
	DefaultServerAddr  = ":8080"
)

// store.driver 的取值。
const (
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
)

// CLIArgs 是 CLI 暴露的全局参数，保留“是否显式指定”的信息。
// 例如 --proxy= 必须能把配置文件里的 proxy.url 覆盖为空。
type CLIArgs struct {
	ConfigPath string

	ProxyURL string
	ProxySet bool
}

// FileConfig 对应 rezkacat.{yaml,json,toml}（以及 REZKACAT_* 环境变量）的解析结构。
type FileConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Store       StoreConfig       `mapstructure:"store"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Translators TranslatorsConfig `mapstructure:"translators"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
}

type ProxyConfig struct {
	URL string `mapstructure:"url"`
}

type HTTPConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// Timeout 接受 "20s" 这类 duration，也接受纯数字（按秒）。
	Timeout       string  `mapstructure:"timeout"`
	RetryMax      int     `mapstructure:"retry_max"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type TranslatorsConfig struct {
	Priority []string `mapstructure:"priority"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// File 是实际读取的配置文件；没有配置文件时为空。
	File string

	BaseURL  string
	ProxyURL string

	Concurrency   int
	Timeout       time.Duration
	RetryMax      int
	RatePerSecond float64

	StoreDriver string
	StorePath   string
	CacheDir    string

	TranslatorPriority []string

	LogLevel  string
	LogFormat string
	LogFile   string

	ServerAddr string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取配置并与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) 先加载 <cwd>/.env（可选，不覆盖已存在的环境变量）
// 2) CLI 提供 --config：该文件必须存在
// 3) 否则在 cwd 下查找 rezkacat.{yaml,yml,json,toml}（可选，不存在则全部使用默认值）
//
// 覆盖优先级（固定）：
// - proxy.url：CLI --proxy > 环境变量 > 配置文件
// - 其他字段：环境变量 > 配置文件 > 默认值
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	envPath := filepath.Join(cwdAbs, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: envPath, Err: err}
		}
	}

	v := newViper()
	cfgPath := ""
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath = absCleanFrom(cwdAbs, p)
		if _, err := os.Stat(cfgPath); err != nil {
			if os.IsNotExist(err) {
				return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
			}
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(cwdAbs)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, FileName), Err: err}
			}
		}
		cfgPath = v.ConfigFileUsed()
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	return merge(cwdAbs, cli, fc, cfgPath)
}

// newViper 返回独立实例（不使用全局 viper，便于并行测试）。
// 所有键都要 SetDefault，AutomaticEnv 才能在 Unmarshal 时生效。
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("proxy.url", "")
	v.SetDefault("http.concurrency", DefaultConcurrency)
	v.SetDefault("http.timeout", DefaultTimeout.String())
	v.SetDefault("http.retry_max", DefaultRetryMax)
	v.SetDefault("http.rate_per_second", 0)
	v.SetDefault("store.driver", DefaultStoreDriver)
	v.SetDefault("store.path", DefaultStorePath)
	v.SetDefault("cache.dir", "")
	v.SetDefault("translators.priority", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("server.addr", DefaultServerAddr)
	return v
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(fc.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if u, err := url.Parse(baseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return EffectiveConfig{}, invalid("base_url 必须是 http/https 地址：%q", baseURL)
	}

	// proxy：CLI > 环境变量/配置
	proxyURL := strings.TrimSpace(fc.Proxy.URL)
	if cli.ProxySet {
		proxyURL = strings.TrimSpace(cli.ProxyURL)
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return EffectiveConfig{}, invalid("proxy.url 无效：%w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return EffectiveConfig{}, invalid("proxy.url 只支持 http/https/socks5：%q", proxyURL)
		}
		if u.Host == "" {
			return EffectiveConfig{}, invalid("proxy.url 缺少主机：%q", proxyURL)
		}
	}

	concurrency := fc.HTTP.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	// 范围 [1, 32]；超出截断。
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	timeout, err := parseTimeout(fc.HTTP.Timeout)
	if err != nil {
		return EffectiveConfig{}, invalid("http.timeout 无效：%w", err)
	}

	if fc.HTTP.RetryMax < 0 {
		return EffectiveConfig{}, invalid("http.retry_max 不能为负数：%d", fc.HTTP.RetryMax)
	}
	if fc.HTTP.RatePerSecond < 0 {
		return EffectiveConfig{}, invalid("http.rate_per_second 不能为负数：%v", fc.HTTP.RatePerSecond)
	}

	driver := strings.ToLower(strings.TrimSpace(fc.Store.Driver))
	if driver == "" {
		driver = DefaultStoreDriver
	}
	if driver != StoreBolt && driver != StoreSQLite {
		return EffectiveConfig{}, invalid("store.driver 只能是 bolt 或 sqlite，实际是 %q", fc.Store.Driver)
	}
	storePath := strings.TrimSpace(fc.Store.Path)
	if storePath == "" {
		storePath = DefaultStorePath
	}
	if storePath != ":memory:" {
		storePath = absCleanFrom(cwdAbs, storePath)
	}

	cacheDir := ""
	if d := strings.TrimSpace(fc.Cache.Dir); d != "" {
		cacheDir = absCleanFrom(cwdAbs, d)
	}

	priority := make([]string, 0, len(fc.Translators.Priority))
	for _, p := range fc.Translators.Priority {
		if p = strings.TrimSpace(p); p != "" {
			priority = append(priority, p)
		}
	}

	level := strings.ToLower(strings.TrimSpace(fc.Logging.Level))
	switch level {
	case "":
		level = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return EffectiveConfig{}, invalid("logging.level 无效：%q", fc.Logging.Level)
	}
	format := strings.ToLower(strings.TrimSpace(fc.Logging.Format))
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return EffectiveConfig{}, invalid("logging.format 只能是 text 或 json，实际是 %q", fc.Logging.Format)
	}
	logFile := ""
	if f := strings.TrimSpace(fc.Logging.File); f != "" {
		logFile = absCleanFrom(cwdAbs, f)
	}

	addr := strings.TrimSpace(fc.Server.Addr)
	if addr == "" {
		addr = DefaultServerAddr
	}

	return EffectiveConfig{
		File:               cfgPath,
		BaseURL:            baseURL,
		ProxyURL:           proxyURL,
		Concurrency:        concurrency,
		Timeout:            timeout,
		RetryMax:           fc.HTTP.RetryMax,
		RatePerSecond:      fc.HTTP.RatePerSecond,
		StoreDriver:        driver,
		StorePath:          storePath,
		CacheDir:           cacheDir,
		TranslatorPriority: priority,
		LogLevel:           level,
		LogFormat:          format,
		LogFile:            logFile,
		ServerAddr:         addr,
	}, nil
}

func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTimeout, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("必须大于 0：%q", s)
	}
	return d, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
