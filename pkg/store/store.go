package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bastion-backend/pkg/types"

	"github.com/glebarez/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Store 定义存储接口
// 调度状态始终以内存注册表为准，存储只做历史落盘与策略/连接读取
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *types.Task) error
	SaveSubTask(ctx context.Context, sub *types.SubTask) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasksByUser(ctx context.Context, userID int) ([]*types.Task, error)
	ListSubTasks(ctx context.Context, taskID string) ([]*types.SubTask, error)
	CleanupTasks(ctx context.Context, retention time.Duration) error

	// Policy operations
	CreatePolicy(ctx context.Context, policy *types.Policy) error
	UpdatePolicy(ctx context.Context, policy *types.Policy) error
	DeletePolicy(ctx context.Context, id uint) error
	GetPolicy(ctx context.Context, id uint) (*types.Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*types.Policy, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]*types.Policy, error)

	// Connection operations
	CreateConnection(ctx context.Context, conn *types.Connection) error
	GetConnection(ctx context.Context, id int) (*types.Connection, error)
	ListConnections(ctx context.Context) ([]*types.Connection, error)
	DeleteConnection(ctx context.Context, id int) error

	Close() error
}

// SQLiteConfig SQLite存储配置
type SQLiteConfig struct {
	Path string
}

// PostgresConfig PostgreSQL存储配置
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Config 存储配置
type Config struct {
	Type     string // memory, sqlite, postgres
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// NewStore 创建存储实例
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewGormStore(sqlite.Open(cfg.SQLite.Path))
	case "postgres":
		return NewPostgreStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
