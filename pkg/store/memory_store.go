package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bastion-backend/pkg/types"
)

// MemoryStore 内存存储实现
// 任务历史在进程重启后丢失，这是有意的部署选择而非缺陷
type MemoryStore struct {
	sync.RWMutex
	tasks       map[string]*types.Task
	subTasks    map[string]*types.SubTask
	policies    map[uint]*types.Policy
	connections map[int]*types.Connection
	nextPolicy  uint
	nextConn    int
}

// NewMemoryStore 创建内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*types.Task),
		subTasks:    make(map[string]*types.SubTask),
		policies:    make(map[uint]*types.Policy),
		connections: make(map[int]*types.Connection),
	}
}

// SaveTask 保存任务
func (s *MemoryStore) SaveTask(_ context.Context, task *types.Task) error {
	s.Lock()
	defer s.Unlock()

	copied := *task
	copied.SubTasks = nil
	s.tasks[task.ID] = &copied
	return nil
}

// SaveSubTask 保存子任务
func (s *MemoryStore) SaveSubTask(_ context.Context, sub *types.SubTask) error {
	s.Lock()
	defer s.Unlock()

	copied := *sub
	s.subTasks[sub.ID] = &copied
	return nil
}

// GetTask 获取任务及其子任务
func (s *MemoryStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	s.RLock()
	defer s.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *task
	for _, sub := range s.subTasks {
		if sub.TaskID == id {
			sc := *sub
			copied.SubTasks = append(copied.SubTasks, &sc)
		}
	}
	return &copied, nil
}

// ListTasksByUser 按用户列出任务
func (s *MemoryStore) ListTasksByUser(_ context.Context, userID int) ([]*types.Task, error) {
	s.RLock()
	defer s.RUnlock()

	tasks := make([]*types.Task, 0)
	for _, task := range s.tasks {
		if task.UserID == userID {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}

	// 最新的排前面
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListSubTasks 列出任务的全部子任务
func (s *MemoryStore) ListSubTasks(_ context.Context, taskID string) ([]*types.SubTask, error) {
	s.RLock()
	defer s.RUnlock()

	subs := make([]*types.SubTask, 0)
	for _, sub := range s.subTasks {
		if sub.TaskID == taskID {
			copied := *sub
			subs = append(subs, &copied)
		}
	}
	return subs, nil
}

// CleanupTasks 清理过期任务
func (s *MemoryStore) CleanupTasks(_ context.Context, retention time.Duration) error {
	s.Lock()
	defer s.Unlock()

	cutoff := time.Now().Add(-retention)
	for id, task := range s.tasks {
		if task.EndedAt != nil && task.EndedAt.Before(cutoff) {
			delete(s.tasks, id)
			for sid, sub := range s.subTasks {
				if sub.TaskID == id {
					delete(s.subTasks, sid)
				}
			}
		}
	}
	return nil
}

// CreatePolicy 创建策略
func (s *MemoryStore) CreatePolicy(_ context.Context, policy *types.Policy) error {
	s.Lock()
	defer s.Unlock()

	s.nextPolicy++
	policy.ID = s.nextPolicy
	copied := *policy
	s.policies[policy.ID] = &copied
	return nil
}

// UpdatePolicy 更新策略
func (s *MemoryStore) UpdatePolicy(_ context.Context, policy *types.Policy) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.policies[policy.ID]; !ok {
		return ErrNotFound
	}
	copied := *policy
	s.policies[policy.ID] = &copied
	return nil
}

// DeletePolicy 删除策略
func (s *MemoryStore) DeletePolicy(_ context.Context, id uint) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// GetPolicy 获取策略
func (s *MemoryStore) GetPolicy(_ context.Context, id uint) (*types.Policy, error) {
	s.RLock()
	defer s.RUnlock()

	policy, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *policy
	return &copied, nil
}

// GetPolicyByName 按名称获取策略
func (s *MemoryStore) GetPolicyByName(_ context.Context, name string) (*types.Policy, error) {
	s.RLock()
	defer s.RUnlock()

	for _, policy := range s.policies {
		if policy.Name == name {
			copied := *policy
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// ListPolicies 列出策略
func (s *MemoryStore) ListPolicies(_ context.Context, enabledOnly bool) ([]*types.Policy, error) {
	s.RLock()
	defer s.RUnlock()

	policies := make([]*types.Policy, 0)
	for _, policy := range s.policies {
		if enabledOnly && !policy.Enabled {
			continue
		}
		copied := *policy
		policies = append(policies, &copied)
	}

	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
	return policies, nil
}

// CreateConnection 创建连接
func (s *MemoryStore) CreateConnection(_ context.Context, conn *types.Connection) error {
	s.Lock()
	defer s.Unlock()

	if conn.ID == 0 {
		s.nextConn++
		conn.ID = s.nextConn
	} else if conn.ID > s.nextConn {
		s.nextConn = conn.ID
	}
	copied := *conn
	s.connections[conn.ID] = &copied
	return nil
}

// GetConnection 获取连接
func (s *MemoryStore) GetConnection(_ context.Context, id int) (*types.Connection, error) {
	s.RLock()
	defer s.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conn
	return &copied, nil
}

// ListConnections 列出所有连接
func (s *MemoryStore) ListConnections(_ context.Context) ([]*types.Connection, error) {
	s.RLock()
	defer s.RUnlock()

	conns := make([]*types.Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		copied := *conn
		conns = append(conns, &copied)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

// DeleteConnection 删除连接
func (s *MemoryStore) DeleteConnection(_ context.Context, id int) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.connections[id]; !ok {
		return ErrNotFound
	}
	delete(s.connections, id)
	return nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	return nil
}
