package types

import (
	"time"
)

// TaskType 定义任务类型
type TaskType string

const (
	TaskTypeCommand  TaskType = "command"  // 批量命令执行任务
	TaskTypeTransfer TaskType = "transfer" // 多目标文件传输任务
)

// TaskStatus 定义任务状态
type TaskStatus string

const (
	TaskStatusQueued             TaskStatus = "queued"              // 等待调度
	TaskStatusInProgress         TaskStatus = "in-progress"         // 执行中
	TaskStatusPartiallyCompleted TaskStatus = "partially-completed" // 部分子任务成功
	TaskStatusCompleted          TaskStatus = "completed"           // 全部成功
	TaskStatusFailed             TaskStatus = "failed"              // 全部失败
	TaskStatusCancelling         TaskStatus = "cancelling"          // 取消中
	TaskStatusCancelled          TaskStatus = "cancelled"           // 已取消
)

// IsTerminal 判断任务是否处于终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusPartiallyCompleted, TaskStatusCancelled:
		return true
	}
	return false
}

// SubTaskStatus 定义子任务状态
type SubTaskStatus string

const (
	SubTaskStatusQueued       SubTaskStatus = "queued"       // 等待执行
	SubTaskStatusConnecting   SubTaskStatus = "connecting"   // 正在建立SSH连接
	SubTaskStatusRunning      SubTaskStatus = "running"      // 命令执行中
	SubTaskStatusTransferring SubTaskStatus = "transferring" // 文件传输中
	SubTaskStatusCompleted    SubTaskStatus = "completed"    // 执行成功
	SubTaskStatusFailed       SubTaskStatus = "failed"       // 执行失败
	SubTaskStatusCancelling   SubTaskStatus = "cancelling"   // 取消中
	SubTaskStatusCancelled    SubTaskStatus = "cancelled"    // 已取消
)

// IsTerminal 判断子任务是否处于终态；终态后的更新会被丢弃
func (s SubTaskStatus) IsTerminal() bool {
	switch s {
	case SubTaskStatusCompleted, SubTaskStatusFailed, SubTaskStatusCancelled:
		return true
	}
	return false
}

// TransferMethod 定义传输方式
type TransferMethod string

const (
	TransferMethodSCP   TransferMethod = "scp"   // 单流复制
	TransferMethodRsync TransferMethod = "rsync" // 增量复制
	TransferMethodAuto  TransferMethod = "auto"  // 优先rsync，远端缺失时回退scp
)

// Task 定义一次用户请求对应的任务
type Task struct {
	ID                string     `json:"id" gorm:"primaryKey"`
	UserID            int        `json:"user_id" gorm:"index"`
	Type              TaskType   `json:"type"`
	Status            TaskStatus `json:"status" gorm:"index"`
	ConcurrencyLimit  int        `json:"concurrency_limit"`
	TotalSubTasks     int        `json:"total_sub_tasks"`
	CompletedSubTasks int        `json:"completed_sub_tasks"`
	FailedSubTasks    int        `json:"failed_sub_tasks"`
	CancelledSubTasks int        `json:"cancelled_sub_tasks"`
	OverallProgress   int        `json:"overall_progress"`
	Payload           string     `json:"payload" gorm:"type:json"` // 原始请求的值拷贝，用于审计
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`

	SubTasks []*SubTask `json:"sub_tasks,omitempty" gorm:"-"`
}

// SubTask 定义一个(目标主机, 工作单元)对
type SubTask struct {
	ID                 string         `json:"id" gorm:"primaryKey"`
	TaskID             string         `json:"task_id" gorm:"index"`
	ConnectionID       int            `json:"connection_id"`
	Label              string         `json:"label"`
	Status             SubTaskStatus  `json:"status"`
	Progress           int            `json:"progress"`
	ExitCode           *int           `json:"exit_code,omitempty"`
	Output             string         `json:"output,omitempty"`
	Message            string         `json:"message,omitempty"`
	TransferMethodUsed TransferMethod `json:"transfer_method_used,omitempty"`
	SourcePath         string         `json:"source_path,omitempty" gorm:"-"`
	DestPath           string         `json:"dest_path,omitempty" gorm:"-"`
	FileSize           int64          `json:"file_size,omitempty" gorm:"-"`
	StartedAt          *time.Time     `json:"started_at"`
	EndedAt            *time.Time     `json:"ended_at"`
}

// TransferItem 定义一个待传输条目
type TransferItem struct {
	Path string `json:"path"` // 源主机上的绝对路径
	Name string `json:"name"` // 展示用名称，默认取路径末段
	Size int64  `json:"size"` // 字节数，策略校验使用
}

// CommandRequest 批量命令请求
type CommandRequest struct {
	Command       string `json:"command"`
	ConnectionIDs []int  `json:"connection_ids"`
}

// TransferRequest 多目标传输请求
type TransferRequest struct {
	SourceConnectionID int            `json:"source_connection_id"`
	Items              []TransferItem `json:"items"`
	ConnectionIDs      []int          `json:"connection_ids"`
	DestPath           string         `json:"dest_path"`
	Method             TransferMethod `json:"method"`
}

// TaskRequest 提交任务的请求体；Command与Transfer二选一
type TaskRequest struct {
	Type             TaskType         `json:"type"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	Command          *CommandRequest  `json:"command,omitempty"`
	Transfer         *TransferRequest `json:"transfer,omitempty"`
}
