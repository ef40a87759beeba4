package types

import "time"

// EventType 定义进度事件类型
type EventType string

const (
	EventSubTaskUpdate EventType = "subtask:update" // 单个子任务状态变化
	EventOverall       EventType = "overall"        // 任务级状态或总进度变化
)

// TaskEvent 定义推送给浏览器的进度事件
// 事件是尽力而为的，消费方漏收后应通过任务详情接口对账
type TaskEvent struct {
	Type      EventType  `json:"type"`
	TaskID    string     `json:"task_id"`
	SubTaskID string     `json:"sub_task_id,omitempty"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Counters  *TaskStats `json:"counters,omitempty"`
}

// TaskStats 任务级计数快照
type TaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
