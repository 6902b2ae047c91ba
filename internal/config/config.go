// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Cache    CacheConfig    `yaml:"credential_cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Fleet    FleetConfig    `yaml:"fleet"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 数据库配置
//
// driver 为 "postgres" 时按 host/port/user/name 构建连接串，
// 为 "sqlite" 时直接使用 dsn 字段（默认内存库，适合开发和测试）。
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CacheConfig 凭证缓存配置
//
// backend 为 "fs" 时凭证以 JSON 文件存放于 dir；为 "minio" 时存放于对象存储。
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// AuthConfig 设备码握手与请求鉴权配置
type AuthConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MSAClientID      string        `yaml:"msa_client_id"`
	JWTSecret        string        `yaml:"-"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	AdminUser        string        `yaml:"-"`
	AdminPassword    string        `yaml:"-"` // bcrypt 哈希，来自 ADMIN_PASSWORD_HASH
}

// FleetConfig 机器人车队配置
type FleetConfig struct {
	StartDelay     time.Duration `yaml:"start_delay"`
	DefaultPort    int           `yaml:"default_port"`
	DefaultVersion string        `yaml:"default_version"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env         Environment
	APIPort     string
	Database    DatabaseConfig
	DatabaseURL string
	RedisURL    string
	MinIO       MinIOConfig
	Cache       CacheConfig
	Auth        AuthConfig
	Fleet       FleetConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	dbPassword := getEnv("DB_PASSWORD", "")

	cfg := &Config{
		Env:      env,
		APIPort:  getEnv("PORT", defaultStr(yamlCfg.Server.Port, "3000")),
		Database: yamlCfg.Database,
		RedisURL: getEnv("REDIS_URL", yamlCfg.Redis.URL),
		MinIO:    yamlCfg.MinIO,
		Cache:    yamlCfg.Cache,
		Auth:     yamlCfg.Auth,
		Fleet:    yamlCfg.Fleet,
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:botfleet.db?cache=shared&mode=rwc"
	}
	cfg.DatabaseURL = buildDatabaseURL(cfg.Database, dbPassword)

	// 敏感信息只从环境变量读取
	cfg.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", cfg.MinIO.AccessKey)
	cfg.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", cfg.MinIO.SecretKey)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.Auth.MSAClientID = getEnv("MSA_CLIENT_ID", cfg.Auth.MSAClientID)
	cfg.Auth.AdminUser = getEnv("ADMIN_USER", "admin")
	cfg.Auth.AdminPassword = getEnv("ADMIN_PASSWORD_HASH", "")

	// 默认值
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "fs"
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "msa"
	}
	if cfg.Auth.HandshakeTimeout <= 0 {
		cfg.Auth.HandshakeTimeout = 5 * time.Minute
	}
	if cfg.Auth.PollInterval <= 0 {
		cfg.Auth.PollInterval = 2 * time.Second
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		cfg.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.Auth.MSAClientID == "" {
		// prismarine-auth 系工具共用的公开客户端 ID
		cfg.Auth.MSAClientID = "389b1b32-b5d5-43b2-bddc-84ce938d6737"
	}
	if d := getEnv("LOGIN_DELAY", ""); d != "" {
		if ms, err := strconv.Atoi(d); err == nil {
			cfg.Fleet.StartDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if cfg.Fleet.StartDelay <= 0 {
		cfg.Fleet.StartDelay = 20 * time.Second
	}
	if cfg.Fleet.DefaultPort <= 0 {
		cfg.Fleet.DefaultPort = 25565
	}
	if cfg.Fleet.DefaultVersion == "" {
		cfg.Fleet.DefaultVersion = "1.21"
	}
	if cfg.Fleet.ShutdownGrace <= 0 {
		cfg.Fleet.ShutdownGrace = 5 * time.Second
	}

	return cfg
}

// String 返回脱敏后的配置摘要
func (c *Config) String() string {
	return fmt.Sprintf("env=%s port=%s db=%s cache=%s redis=%v start_delay=%s",
		c.Env, c.APIPort, c.Database.Driver, c.Cache.Backend, c.RedisURL != "", c.Fleet.StartDelay)
}

func parseEnv(s string) Environment {
	switch s {
	case "prod", "production":
		return EnvProduction
	case "test":
		return EnvTest
	default:
		return EnvDevelopment
	}
}

func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{}
	for _, dir := range configPaths {
		path := filepath.Join(dir, string(env)+".yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err == nil {
			return cfg
		}
	}
	return cfg
}

func buildDatabaseURL(db DatabaseConfig, password string) string {
	if db.Driver == "sqlite" {
		return db.DSN
	}
	sslmode := db.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, defaultStr(db.Host, "localhost"), defaultInt(db.Port, 5432), db.Name, sslmode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
