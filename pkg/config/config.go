package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig 服务端配置
type ServerConfig struct {
	// 服务器配置
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	// 日志配置
	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	// 存储配置；memory模式不持久化任务历史，进程重启后丢失，属于部署选择
	Storage struct {
		Type   string `yaml:"type"` // memory, sqlite, postgres
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			SSLMode  string `yaml:"sslmode"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	// 任务编排配置
	Tasks struct {
		DefaultConcurrency int           `yaml:"default_concurrency"` // 单任务默认并发上限
		CancelGracePeriod  time.Duration `yaml:"cancel_grace_period"` // 取消宽限期，超时后本地强制终态
		HistoryRetention   time.Duration `yaml:"history_retention"`   // 历史任务保留时长，0为不清理
	} `yaml:"tasks"`

	// SSH配置
	SSH struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"ssh"`
}

// LoadServerConfig 加载服务端配置
func LoadServerConfig(path string, workspaceRoot string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// 处理相对路径
	if err := cfg.resolveRelativePaths(workspaceRoot); err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	return cfg, nil
}

// Validate 校验配置
func (c *ServerConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.type: %s", c.Storage.Type)
	}
	if c.Tasks.DefaultConcurrency <= 0 {
		return fmt.Errorf("invalid tasks.default_concurrency: %d", c.Tasks.DefaultConcurrency)
	}
	if c.Tasks.CancelGracePeriod <= 0 {
		return fmt.Errorf("invalid tasks.cancel_grace_period: %s", c.Tasks.CancelGracePeriod)
	}
	if c.Tasks.HistoryRetention < 0 {
		return fmt.Errorf("invalid tasks.history_retention: %s", c.Tasks.HistoryRetention)
	}
	return nil
}

// resolveRelativePaths 处理相对路径
func (c *ServerConfig) resolveRelativePaths(baseDir string) error {
	// 处理日志文件路径
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}

	// 处理SQLite数据库路径
	if c.Storage.Type == "sqlite" && !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
		// 确保数据库目录存在
		if err := os.MkdirAll(filepath.Dir(c.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	return nil
}

// DefaultServerConfig 返回默认服务端配置
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080

	cfg.Log.Debug = false
	cfg.Log.File = ""

	cfg.Storage.Type = "memory"
	cfg.Storage.SQLite.Path = "data/bastion.db"

	cfg.Tasks.DefaultConcurrency = 5
	cfg.Tasks.CancelGracePeriod = 10 * time.Second
	cfg.Tasks.HistoryRetention = 30 * 24 * time.Hour

	cfg.SSH.ConnectTimeout = 10 * time.Second

	return cfg
}
