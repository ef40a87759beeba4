package services

import (
	"net/http"
	"time"

	"bastion-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// ServerStatus 状态接口的响应体
type ServerStatus struct {
	Uptime        string                   `json:"uptime"`
	HostUptime    uint64                   `json:"host_uptime"`
	CPUPercent    float64                  `json:"cpu_percent"`
	MemoryPercent float64                  `json:"memory_percent"`
	MemoryUsed    uint64                   `json:"memory_used"`
	MemoryTotal   uint64                   `json:"memory_total"`
	DiskPercent   float64                  `json:"disk_percent"`
	Tasks         map[types.TaskStatus]int `json:"tasks"`
}

// StatusService 汇总主机资源与任务统计
type StatusService struct {
	logger    zerolog.Logger
	tasks     *TaskService
	startedAt time.Time
}

// NewStatusService 创建状态服务
func NewStatusService(logger zerolog.Logger, tasks *TaskService) *StatusService {
	return &StatusService{
		logger:    logger.With().Str("service", "status").Logger(),
		tasks:     tasks,
		startedAt: time.Now(),
	}
}

// RegisterRoutes 注册状态路由
func (s *StatusService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/status", s.HandleGetStatus)
}

// HandleGetStatus 返回服务器状态
func (s *StatusService) HandleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}

// Snapshot 采集一次状态快照；单项采集失败不影响其余字段
func (s *StatusService) Snapshot() *ServerStatus {
	status := &ServerStatus{
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		Tasks:  s.tasks.CountsByStatus(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to read cpu usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryPercent = vm.UsedPercent
		status.MemoryUsed = vm.Used
		status.MemoryTotal = vm.Total
	} else {
		s.logger.Debug().Err(err).Msg("Failed to read memory usage")
	}

	if du, err := disk.Usage("/"); err == nil {
		status.DiskPercent = du.UsedPercent
	} else {
		s.logger.Debug().Err(err).Msg("Failed to read disk usage")
	}

	if uptime, err := host.Uptime(); err == nil {
		status.HostUptime = uptime
	}

	return status
}
