package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"bastion-backend/pkg/config"
	"bastion-backend/pkg/remote"
	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest 请求校验失败，提交阶段同步拒绝
var ErrInvalidRequest = errors.New("invalid request")

// 单个子任务保留的输出上限
const maxOutputBytes = 64 * 1024

// TaskService 任务编排器
// 持有任务注册表并独占全部状态变更：提交、调度回调、取消之外
// 不允许任何组件直接改动任务状态
type TaskService struct {
	cfg      *config.ServerConfig
	logger   zerolog.Logger
	store    store.Store
	executor remote.Executor
	resolver types.CredentialResolver
	policies *PolicyService
	hub      *EventHub

	mu    sync.RWMutex
	tasks map[string]*taskState
}

// taskState 单个任务的运行时状态；所有变更都在st.mu下串行化
type taskState struct {
	mu         sync.Mutex
	task       *types.Task
	subs       []*types.SubTask // 扩展顺序即FIFO调度顺序
	index      map[string]*types.SubTask
	ctx        context.Context
	cancel     context.CancelFunc
	subCancels map[string]context.CancelFunc
	graceOnce  sync.Once

	// 传输任务的公共参数
	command      string
	sourceConnID int
	method       types.TransferMethod
}

// NewTaskService 创建任务编排服务
func NewTaskService(
	cfg *config.ServerConfig,
	logger zerolog.Logger,
	st store.Store,
	executor remote.Executor,
	resolver types.CredentialResolver,
	policies *PolicyService,
	hub *EventHub,
) *TaskService {
	return &TaskService{
		cfg:      cfg,
		logger:   logger.With().Str("service", "task").Logger(),
		store:    st,
		executor: executor,
		resolver: resolver,
		policies: policies,
		hub:      hub,
		tasks:    make(map[string]*taskState),
	}
}

// Submit 校验并展开请求，同步启动调度，立即返回任务快照
// 这是一个fire-and-observe契约：调用方通过轮询或订阅事件跟进
func (s *TaskService) Submit(ctx context.Context, req types.TaskRequest, userID int) (*types.Task, error) {
	limit := req.ConcurrencyLimit
	if limit <= 0 {
		limit = s.cfg.Tasks.DefaultConcurrency
	}

	now := time.Now()
	task := &types.Task{
		ID:               uuid.New().String(),
		UserID:           userID,
		Type:             req.Type,
		Status:           types.TaskStatusQueued,
		ConcurrencyLimit: limit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	st := &taskState{
		task:       task,
		index:      make(map[string]*types.SubTask),
		ctx:        taskCtx,
		cancel:     cancel,
		subCancels: make(map[string]context.CancelFunc),
	}

	var err error
	switch req.Type {
	case types.TaskTypeCommand:
		err = s.expandCommand(ctx, st, req.Command)
	case types.TaskTypeTransfer:
		err = s.expandTransfer(ctx, st, req.Transfer, userID)
	default:
		err = fmt.Errorf("%w: unknown task type %q", ErrInvalidRequest, req.Type)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	// 保留原始请求的值拷贝
	payload, _ := json.Marshal(req)
	task.Payload = string(payload)
	task.TotalSubTasks = len(st.subs)

	s.mu.Lock()
	s.tasks[task.ID] = st
	s.mu.Unlock()

	st.mu.Lock()
	started := time.Now()
	task.StartedAt = &started
	task.Status = types.TaskStatusInProgress
	s.recomputeLocked(st)
	snapshot := cloneTaskLocked(st)
	s.persistLocked(st)
	pending := false
	for _, sub := range st.subs {
		if !sub.Status.IsTerminal() {
			pending = true
			break
		}
	}
	st.mu.Unlock()

	s.logger.Info().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("sub_tasks", task.TotalSubTasks).
		Int("concurrency", limit).
		Msg("Task submitted")

	// 调度在提交时同步启动，而不是等待轮询
	if pending {
		go s.dispatch(st)
	}

	return snapshot, nil
}

// expandCommand 把批量命令请求展开为每目标一个子任务
func (s *TaskService) expandCommand(ctx context.Context, st *taskState, req *types.CommandRequest) error {
	if req == nil || req.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if len(req.ConnectionIDs) == 0 {
		return fmt.Errorf("%w: connection_ids must not be empty", ErrInvalidRequest)
	}

	st.command = req.Command
	for _, connID := range req.ConnectionIDs {
		sub := &types.SubTask{
			ID:           uuid.New().String(),
			TaskID:       st.task.ID,
			ConnectionID: connID,
			Label:        s.connectionLabel(ctx, connID),
			Status:       types.SubTaskStatusQueued,
		}
		st.subs = append(st.subs, sub)
		st.index[sub.ID] = sub
	}
	return nil
}

// expandTransfer 把传输请求展开为(目标 × 条目)的笛卡尔积
// 每一对在展开时过一次策略门；被拒绝的子任务直接落为失败并带原因，
// 不影响其余子任务执行
func (s *TaskService) expandTransfer(ctx context.Context, st *taskState, req *types.TransferRequest, userID int) error {
	if req == nil {
		return fmt.Errorf("%w: transfer payload is required", ErrInvalidRequest)
	}
	if len(req.ConnectionIDs) == 0 {
		return fmt.Errorf("%w: connection_ids must not be empty", ErrInvalidRequest)
	}
	if req.DestPath == "" {
		return fmt.Errorf("%w: dest_path is required", ErrInvalidRequest)
	}

	// 源连接必须可解析；这里失败属于校验错误，不进入调度
	if _, err := s.resolver.Resolve(ctx, req.SourceConnectionID); err != nil {
		return fmt.Errorf("%w: source connection: %v", ErrInvalidRequest, err)
	}

	st.sourceConnID = req.SourceConnectionID
	st.method = req.Method
	if st.method == "" {
		st.method = types.TransferMethodAuto
	}

	now := time.Now()
	for _, connID := range req.ConnectionIDs {
		groupIDs := s.connectionGroups(ctx, connID)
		targetLabel := s.connectionLabel(ctx, connID)

		for _, item := range req.Items {
			name := item.Name
			if name == "" {
				name = path.Base(item.Path)
			}

			sub := &types.SubTask{
				ID:           uuid.New().String(),
				TaskID:       st.task.ID,
				ConnectionID: connID,
				Label:        fmt.Sprintf("%s -> %s", name, targetLabel),
				Status:       types.SubTaskStatusQueued,
				SourcePath:   item.Path,
				DestPath:     req.DestPath,
				FileSize:     item.Size,
			}

			decision := s.policies.Evaluate(ctx, types.PolicyContext{
				UserID:       userID,
				ConnectionID: connID,
				GroupIDs:     groupIDs,
				Direction:    types.DirectionUpload,
				FileName:     name,
				FileSize:     item.Size,
			})
			if !decision.Allowed {
				ended := now
				sub.Status = types.SubTaskStatusFailed
				sub.Message = decision.Reason
				sub.EndedAt = &ended
			}

			st.subs = append(st.subs, sub)
			st.index[sub.ID] = sub
		}
	}
	return nil
}

// dispatch 有界并发的FIFO调度循环
// 空闲槽位用带缓冲channel表达；慢主机只占用自己的槽位，
// 不会阻塞其余子任务的调度决策
func (s *TaskService) dispatch(st *taskState) {
	slots := make(chan struct{}, st.task.ConcurrencyLimit)
	var wg sync.WaitGroup

	st.mu.Lock()
	order := make([]string, 0, len(st.subs))
	for _, sub := range st.subs {
		if sub.Status == types.SubTaskStatusQueued {
			order = append(order, sub.ID)
		}
	}
	st.mu.Unlock()

	for _, id := range order {
		select {
		case slots <- struct{}{}:
		case <-st.ctx.Done():
			wg.Wait()
			return
		}

		st.mu.Lock()
		sub, ok := st.index[id]
		if !ok || sub.Status != types.SubTaskStatusQueued {
			// 已被取消或抢先终态化，让出槽位
			st.mu.Unlock()
			<-slots
			continue
		}
		started := time.Now()
		sub.Status = types.SubTaskStatusConnecting
		sub.StartedAt = &started
		subCtx, subCancel := context.WithCancel(st.ctx)
		st.subCancels[id] = subCancel
		s.emitSubTaskLocked(st, sub)
		st.mu.Unlock()

		wg.Add(1)
		go func(subID string, ctx context.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			s.runSubTask(ctx, st, subID)
		}(id, subCtx)
	}

	wg.Wait()
}

// runSubTask 执行单个子任务；任何失败都只落在这个子任务上
func (s *TaskService) runSubTask(ctx context.Context, st *taskState, subID string) {
	st.mu.Lock()
	sub := st.index[subID]
	taskType := st.task.Type
	taskID := st.task.ID
	connID := sub.ConnectionID
	sourcePath := sub.SourcePath
	destPath := sub.DestPath
	command := st.command
	sourceConnID := st.sourceConnID
	method := st.method
	st.mu.Unlock()

	// 命令任务连目标主机；传输任务连源主机，由源主机向目标推送
	execConnID := connID
	if taskType == types.TaskTypeTransfer {
		execConnID = sourceConnID
	}

	cred, err := s.resolver.Resolve(ctx, execConnID)
	if err != nil {
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, fmt.Sprintf("resolving credentials: %v", err))
		return
	}

	sess, err := s.executor.Connect(ctx, cred)
	if err != nil {
		if ctx.Err() != nil {
			s.finishSubTask(st, subID, types.SubTaskStatusCancelled, nil, "cancelled while connecting")
			return
		}
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, fmt.Sprintf("connecting: %v", err))
		return
	}
	defer sess.Close()

	switch taskType {
	case types.TaskTypeCommand:
		s.runCommandSubTask(ctx, st, subID, taskID, sess, command)
	case types.TaskTypeTransfer:
		s.runTransferSubTask(ctx, st, subID, taskID, sess, remote.TransferSpec{
			SourcePath: sourcePath,
			DestPath:   destPath,
			Method:     method,
		}, connID)
	}
}

// runCommandSubTask 在目标主机上执行命令到结束
func (s *TaskService) runCommandSubTask(ctx context.Context, st *taskState, subID, taskID string, sess remote.Session, command string) {
	s.UpdateSubTaskStatus(taskID, subID, types.SubTaskStatusRunning, nil, "")

	exitCode, err := sess.RunCommand(ctx, command, func(line string) {
		s.appendOutput(st, subID, line)
	})

	if err != nil {
		if ctx.Err() != nil {
			s.finishSubTask(st, subID, types.SubTaskStatusCancelled, nil, "cancelled")
			return
		}
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, err.Error())
		return
	}

	st.mu.Lock()
	if sub, ok := st.index[subID]; ok && !sub.Status.IsTerminal() {
		code := exitCode
		sub.ExitCode = &code
	}
	st.mu.Unlock()

	if exitCode != 0 {
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, fmt.Sprintf("command exited with %d", exitCode))
		return
	}
	progress := 100
	s.finishSubTask(st, subID, types.SubTaskStatusCompleted, &progress, "")
}

// runTransferSubTask 从源主机向目标主机推送一个条目
func (s *TaskService) runTransferSubTask(ctx context.Context, st *taskState, subID, taskID string, sess remote.Session, spec remote.TransferSpec, targetConnID int) {
	dest, err := s.resolver.Resolve(ctx, targetConnID)
	if err != nil {
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, fmt.Sprintf("resolving target credentials: %v", err))
		return
	}
	spec.Dest = dest

	s.UpdateSubTaskStatus(taskID, subID, types.SubTaskStatusTransferring, nil, "")

	methodUsed, err := sess.Transfer(ctx, spec, func(pct int) {
		s.UpdateSubTaskStatus(taskID, subID, types.SubTaskStatusTransferring, &pct, "")
	})

	st.mu.Lock()
	if sub, ok := st.index[subID]; ok && !sub.Status.IsTerminal() && methodUsed != "" {
		sub.TransferMethodUsed = methodUsed
	}
	st.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			s.finishSubTask(st, subID, types.SubTaskStatusCancelled, nil, "cancelled")
			return
		}
		s.finishSubTask(st, subID, types.SubTaskStatusFailed, nil, err.Error())
		return
	}
	progress := 100
	s.finishSubTask(st, subID, types.SubTaskStatusCompleted, &progress, "")
}

// UpdateSubTaskStatus 调度回调入口
// 任务或子任务不存在、或子任务已终态时静默丢弃；进度永远夹紧到[0,100]
func (s *TaskService) UpdateSubTaskStatus(taskID, subTaskID string, status types.SubTaskStatus, progress *int, message string) {
	s.mu.RLock()
	st, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sub, ok := st.index[subTaskID]
	if !ok || sub.Status.IsTerminal() {
		return
	}

	if progress != nil {
		p := clampProgress(*progress)
		// 非终态期间进度只增不减
		if p > sub.Progress || status.IsTerminal() {
			sub.Progress = p
		}
	}
	if message != "" {
		sub.Message = message
	}

	if sub.Status != status {
		sub.Status = status
		now := time.Now()
		if sub.StartedAt == nil && status != types.SubTaskStatusQueued {
			sub.StartedAt = &now
		}
		if status.IsTerminal() {
			sub.EndedAt = &now
			delete(st.subCancels, subTaskID)
		}
	}

	s.emitSubTaskLocked(st, sub)
	s.recomputeLocked(st)
	s.persistLocked(st)
}

// finishSubTask 把子任务推进到终态；已终态则丢弃（迟到的适配器回报）
func (s *TaskService) finishSubTask(st *taskState, subID string, status types.SubTaskStatus, progress *int, message string) {
	s.UpdateSubTaskStatus(st.task.ID, subID, status, progress, message)
}

// appendOutput 追加远端输出，超出上限截断头部
func (s *TaskService) appendOutput(st *taskState, subID, line string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sub, ok := st.index[subID]
	if !ok || sub.Status.IsTerminal() {
		return
	}
	if sub.Output != "" {
		sub.Output += "\n"
	}
	sub.Output += line
	if len(sub.Output) > maxOutputBytes {
		sub.Output = sub.Output[len(sub.Output)-maxOutputBytes:]
	}
}

// Cancel 取消任务；非所有者一律返回false
// 排队中的子任务立即置为cancelled，执行中的发出中止信号进入cancelling，
// 宽限期内未确认的在本地强制终态化，此后迟到的回报被终态不变式丢弃
func (s *TaskService) Cancel(taskID string, userID int) bool {
	s.mu.RLock()
	st, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	if st.task.UserID != userID {
		st.mu.Unlock()
		return false
	}
	if st.task.Status.IsTerminal() {
		st.mu.Unlock()
		return true
	}

	st.task.Status = types.TaskStatusCancelling
	now := time.Now()

	for _, sub := range st.subs {
		switch sub.Status {
		case types.SubTaskStatusQueued:
			// 还没启动，无需中止
			ended := now
			sub.Status = types.SubTaskStatusCancelled
			sub.EndedAt = &ended
			s.emitSubTaskLocked(st, sub)
		case types.SubTaskStatusConnecting, types.SubTaskStatusRunning, types.SubTaskStatusTransferring:
			sub.Status = types.SubTaskStatusCancelling
			s.emitSubTaskLocked(st, sub)
			if cancel, ok := st.subCancels[sub.ID]; ok {
				cancel()
			}
		}
	}

	st.cancel()
	s.recomputeLocked(st)
	s.persistLocked(st)
	st.mu.Unlock()

	s.logger.Info().Str("task_id", taskID).Msg("Task cancellation requested")

	// 宽限期兜底：适配器迟迟不确认时本地强制收敛
	st.graceOnce.Do(func() {
		go func() {
			time.Sleep(s.cfg.Tasks.CancelGracePeriod)

			st.mu.Lock()
			forced := false
			ended := time.Now()
			for _, sub := range st.subs {
				if !sub.Status.IsTerminal() {
					sub.Status = types.SubTaskStatusCancelled
					sub.EndedAt = &ended
					s.emitSubTaskLocked(st, sub)
					forced = true
				}
			}
			if forced {
				s.logger.Warn().Str("task_id", taskID).Msg("Cancellation grace period elapsed, forcing terminal state")
			}
			s.recomputeLocked(st)
			s.persistLocked(st)
			st.mu.Unlock()
		}()
	})

	return true
}

// GetDetails 返回任务快照；不存在或非所有者返回nil而不是报错
func (s *TaskService) GetDetails(ctx context.Context, taskID string, userID int) *types.Task {
	s.mu.RLock()
	st, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.task.UserID != userID {
			return nil
		}
		return cloneTaskLocked(st)
	}

	// 注册表没有时查历史存储
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task.UserID != userID {
		return nil
	}
	return task
}

// ListForUser 列出用户的全部任务，活动任务以注册表快照为准
func (s *TaskService) ListForUser(ctx context.Context, userID int) []*types.Task {
	live := make(map[string]*types.Task)

	s.mu.RLock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.task.UserID == userID {
			live[st.task.ID] = cloneTaskLocked(st)
		}
		st.mu.Unlock()
	}

	out := make([]*types.Task, 0, len(live))
	stored, err := s.store.ListTasksByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Int("user_id", userID).Msg("Failed to list stored tasks")
		stored = nil
	}
	for _, task := range stored {
		if snapshot, ok := live[task.ID]; ok {
			out = append(out, snapshot)
			delete(live, task.ID)
			continue
		}
		out = append(out, task)
	}
	for _, snapshot := range live {
		out = append(out, snapshot)
	}
	return out
}

// CountsByStatus 按状态统计注册表内任务数，状态接口使用
func (s *TaskService) CountsByStatus() map[types.TaskStatus]int {
	s.mu.RLock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	s.mu.RUnlock()

	counts := make(map[types.TaskStatus]int)
	for _, st := range states {
		st.mu.Lock()
		counts[st.task.Status]++
		st.mu.Unlock()
	}
	return counts
}

// recomputeLocked 从子任务快照重算任务状态与总进度
// 完成顺序不可预期，聚合永远基于当前全量快照；调用方必须持有st.mu
func (s *TaskService) recomputeLocked(st *taskState) {
	task := st.task

	var completed, failed, cancelled, terminal, progressSum int
	for _, sub := range st.subs {
		progressSum += sub.Progress
		switch sub.Status {
		case types.SubTaskStatusCompleted:
			completed++
			terminal++
		case types.SubTaskStatusFailed:
			failed++
			terminal++
		case types.SubTaskStatusCancelled:
			cancelled++
			terminal++
		case types.SubTaskStatusQueued, types.SubTaskStatusConnecting,
			types.SubTaskStatusRunning, types.SubTaskStatusTransferring,
			types.SubTaskStatusCancelling:
		}
	}

	task.CompletedSubTasks = completed
	task.FailedSubTasks = failed
	task.CancelledSubTasks = cancelled

	total := len(st.subs)
	overall := 0
	if total > 0 {
		overall = progressSum / total
	}

	allTerminal := terminal == total

	var status types.TaskStatus
	switch {
	case task.Status == types.TaskStatusCancelling || task.Status == types.TaskStatusCancelled:
		if allTerminal {
			status = types.TaskStatusCancelled
		} else {
			status = types.TaskStatusCancelling
		}
	case !allTerminal:
		status = types.TaskStatusInProgress
	case total == 0 || completed == total:
		// 空子任务集立即完成
		status = types.TaskStatusCompleted
	case failed == total:
		status = types.TaskStatusFailed
	default:
		status = types.TaskStatusPartiallyCompleted
	}

	changed := status != task.Status || overall != task.OverallProgress
	task.OverallProgress = overall
	if status != task.Status {
		task.Status = status
		if status.IsTerminal() && task.EndedAt == nil {
			now := time.Now()
			task.EndedAt = &now
		}
	}
	task.UpdatedAt = time.Now()

	if changed {
		s.hub.Publish(types.TaskEvent{
			Type:      types.EventOverall,
			TaskID:    task.ID,
			Status:    string(task.Status),
			Progress:  task.OverallProgress,
			Timestamp: time.Now(),
			Counters: &types.TaskStats{
				Total:     task.TotalSubTasks,
				Completed: completed,
				Failed:    failed,
				Cancelled: cancelled,
			},
		})
	}
}

// emitSubTaskLocked 发布单个子任务的变更事件；调用方必须持有st.mu
func (s *TaskService) emitSubTaskLocked(st *taskState, sub *types.SubTask) {
	s.hub.Publish(types.TaskEvent{
		Type:      types.EventSubTaskUpdate,
		TaskID:    st.task.ID,
		SubTaskID: sub.ID,
		Status:    string(sub.Status),
		Progress:  sub.Progress,
		Message:   sub.Message,
		Timestamp: time.Now(),
	})
}

// persistLocked 尽力而为地镜像到存储；失败只记日志
func (s *TaskService) persistLocked(st *taskState) {
	ctx := context.Background()
	snapshot := *st.task
	snapshot.SubTasks = nil
	if err := s.store.SaveTask(ctx, &snapshot); err != nil {
		s.logger.Debug().Err(err).Str("task_id", st.task.ID).Msg("Failed to persist task")
		return
	}
	for _, sub := range st.subs {
		sc := *sub
		if err := s.store.SaveSubTask(ctx, &sc); err != nil {
			s.logger.Debug().Err(err).Str("sub_task_id", sub.ID).Msg("Failed to persist subtask")
		}
	}
}

// connectionLabel 尽力取连接名做展示标签
func (s *TaskService) connectionLabel(ctx context.Context, connID int) string {
	conn, err := s.store.GetConnection(ctx, connID)
	if err != nil || conn.Name == "" {
		return fmt.Sprintf("connection-%d", connID)
	}
	return conn.Name
}

// connectionGroups 取目标连接所属分组，策略作用域匹配使用
func (s *TaskService) connectionGroups(ctx context.Context, connID int) []int {
	conn, err := s.store.GetConnection(ctx, connID)
	if err != nil || conn.GroupID == 0 {
		return nil
	}
	return []int{conn.GroupID}
}

// cloneTaskLocked 返回任务与子任务的值拷贝；调用方必须持有st.mu
func cloneTaskLocked(st *taskState) *types.Task {
	task := *st.task
	task.SubTasks = make([]*types.SubTask, 0, len(st.subs))
	for _, sub := range st.subs {
		sc := *sub
		task.SubTasks = append(task.SubTasks, &sc)
	}
	return &task
}

// RegisterRoutes 注册任务相关路由
func (s *TaskService) RegisterRoutes(r *gin.Engine) {
	tasks := r.Group("/api/tasks")
	{
		tasks.POST("", s.HandleSubmitTask)
		tasks.GET("", s.HandleListTasks)
		tasks.GET("/:id", s.HandleGetTask)
		tasks.POST("/:id/cancel", s.HandleCancelTask)
	}
}

// HandleSubmitTask 处理任务提交
func (s *TaskService) HandleSubmitTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req types.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	task, err := s.Submit(c.Request.Context(), req, userID)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to submit task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// HandleListTasks 列出当前用户的任务
func (s *TaskService) HandleListTasks(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.ListForUser(c.Request.Context(), userID)})
}

// HandleGetTask 查询任务详情
func (s *TaskService) HandleGetTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	task := s.GetDetails(c.Request.Context(), c.Param("id"), userID)
	if task == nil {
		// 不存在与无权访问不作区分
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleCancelTask 请求取消任务
func (s *TaskService) HandleCancelTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if !s.Cancel(c.Param("id"), userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Cancellation requested"})
}

// clampProgress 夹紧到[0,100]
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
