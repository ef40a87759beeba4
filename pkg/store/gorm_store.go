package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bastion-backend/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore 通用GORM存储实现，支持sqlite与postgres
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储实例
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &GormStore{db: db}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return store, nil
}

// initialize 初始化数据库
func (s *GormStore) initialize() error {
	err := s.db.AutoMigrate(&types.Task{}, &types.SubTask{}, &types.Policy{}, &types.Connection{})
	if err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// SaveTask 保存任务，存在则更新
func (s *GormStore) SaveTask(ctx context.Context, task *types.Task) error {
	result := s.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("upserting task: %w", result.Error)
	}
	return nil
}

// SaveSubTask 保存子任务，存在则更新
func (s *GormStore) SaveSubTask(ctx context.Context, sub *types.SubTask) error {
	result := s.db.WithContext(ctx).Save(sub)
	if result.Error != nil {
		return fmt.Errorf("upserting subtask: %w", result.Error)
	}
	return nil
}

// GetTask 获取任务及其子任务
func (s *GormStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	result := s.db.WithContext(ctx).First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying task: %w", result.Error)
	}

	subs, err := s.ListSubTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	task.SubTasks = subs

	return &task, nil
}

// ListTasksByUser 按用户列出任务
func (s *GormStore) ListTasksByUser(ctx context.Context, userID int) ([]*types.Task, error) {
	var tasks []*types.Task
	result := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("querying tasks: %w", result.Error)
	}
	return tasks, nil
}

// ListSubTasks 列出任务的全部子任务
func (s *GormStore) ListSubTasks(ctx context.Context, taskID string) ([]*types.SubTask, error) {
	var subs []*types.SubTask
	result := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("querying subtasks: %w", result.Error)
	}
	return subs, nil
}

// CleanupTasks 清理过期任务及其子任务
func (s *GormStore) CleanupTasks(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)

	var ids []string
	result := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).
		Pluck("id", &ids)
	if result.Error != nil {
		return fmt.Errorf("querying expired tasks: %w", result.Error)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Delete(&types.SubTask{}, "task_id IN ?", ids).Error; err != nil {
		return fmt.Errorf("deleting subtasks: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&types.Task{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("deleting tasks: %w", err)
	}
	return nil
}

// CreatePolicy 创建策略
func (s *GormStore) CreatePolicy(ctx context.Context, policy *types.Policy) error {
	result := s.db.WithContext(ctx).Create(policy)
	if result.Error != nil {
		return fmt.Errorf("creating policy: %w", result.Error)
	}
	return nil
}

// UpdatePolicy 更新策略
func (s *GormStore) UpdatePolicy(ctx context.Context, policy *types.Policy) error {
	result := s.db.WithContext(ctx).Save(policy)
	if result.Error != nil {
		return fmt.Errorf("updating policy: %w", result.Error)
	}
	return nil
}

// DeletePolicy 删除策略
func (s *GormStore) DeletePolicy(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&types.Policy{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting policy: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPolicy 获取策略
func (s *GormStore) GetPolicy(ctx context.Context, id uint) (*types.Policy, error) {
	var policy types.Policy
	result := s.db.WithContext(ctx).First(&policy, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying policy: %w", result.Error)
	}
	return &policy, nil
}

// GetPolicyByName 按名称获取策略
func (s *GormStore) GetPolicyByName(ctx context.Context, name string) (*types.Policy, error) {
	var policy types.Policy
	result := s.db.WithContext(ctx).First(&policy, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying policy by name: %w", result.Error)
	}
	return &policy, nil
}

// ListPolicies 列出策略
func (s *GormStore) ListPolicies(ctx context.Context, enabledOnly bool) ([]*types.Policy, error) {
	var policies []*types.Policy
	query := s.db.WithContext(ctx)
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	result := query.Order("priority DESC").Find(&policies)
	if result.Error != nil {
		return nil, fmt.Errorf("querying policies: %w", result.Error)
	}
	return policies, nil
}

// CreateConnection 创建连接
func (s *GormStore) CreateConnection(ctx context.Context, conn *types.Connection) error {
	result := s.db.WithContext(ctx).Create(conn)
	if result.Error != nil {
		return fmt.Errorf("creating connection: %w", result.Error)
	}
	return nil
}

// GetConnection 获取连接
func (s *GormStore) GetConnection(ctx context.Context, id int) (*types.Connection, error) {
	var conn types.Connection
	result := s.db.WithContext(ctx).First(&conn, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying connection: %w", result.Error)
	}
	return &conn, nil
}

// ListConnections 列出所有连接
func (s *GormStore) ListConnections(ctx context.Context) ([]*types.Connection, error) {
	var conns []*types.Connection
	result := s.db.WithContext(ctx).Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("querying connections: %w", result.Error)
	}
	return conns, nil
}

// DeleteConnection 删除连接
func (s *GormStore) DeleteConnection(ctx context.Context, id int) error {
	result := s.db.WithContext(ctx).Delete(&types.Connection{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}
