package types

import "time"

// PolicyScope 定义策略作用域
type PolicyScope string

const (
	PolicyScopeGlobal     PolicyScope = "global"     // 全局策略，不允许删除
	PolicyScopeUser       PolicyScope = "user"       // 单个用户
	PolicyScopeConnection PolicyScope = "connection" // 单个连接
	PolicyScopeGroup      PolicyScope = "group"      // 连接分组
	PolicyScopeUserGroup  PolicyScope = "user_group" // 用户组
)

// TransferDirection 定义传输方向
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
	DirectionBoth     TransferDirection = "both"
	DirectionNone     TransferDirection = "none" // 禁止任何方向
)

// Policy 定义一条传输权限策略
type Policy struct {
	ID                uint              `json:"id" gorm:"primaryKey"`
	Name              string            `json:"name" gorm:"uniqueIndex"`
	Scope             PolicyScope       `json:"scope"`
	ScopeID           int               `json:"scope_id"` // global作用域必须为0，其余必填
	Direction         TransferDirection `json:"direction"`
	MaxFileSize       *int64            `json:"max_file_size,omitempty"`  // 单文件字节上限
	MaxTotalSize      *int64            `json:"max_total_size,omitempty"` // 任务总量字节上限
	AllowedExtensions string            `json:"allowed_extensions"`       // JSON数组，解析失败视为不限制
	BlockedExtensions string            `json:"blocked_extensions"`       // JSON数组，解析失败视为不限制
	Enabled           bool              `json:"enabled"`
	Priority          int               `json:"priority"` // 数值越大越先评估
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// PolicyContext 定义一次传输的评估上下文
type PolicyContext struct {
	UserID       int               `json:"user_id"`
	ConnectionID int               `json:"connection_id"`
	GroupIDs     []int             `json:"group_ids"`
	Direction    TransferDirection `json:"direction"`
	FileName     string            `json:"file_name"`
	FileSize     int64             `json:"file_size"`
}

// PolicyDecision 定义评估结果；拒绝时附带策略名与原因
type PolicyDecision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	PolicyID   uint   `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
}
